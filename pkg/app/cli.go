package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/crossroad-p2p/crossroad/pkg/board"
	"github.com/crossroad-p2p/crossroad/pkg/peer"
)

// StartCLI runs the interactive command loop until /quit or EOF.
func (a *App) StartCLI() {
	a.Registry.AddConnectionListener(func(peerID string, status peer.ConnectionStatus) {
		switch status {
		case peer.StatusConnecting:
			fmt.Printf("🔍 Connecting to %s...\n", peerID)
		case peer.StatusConnected:
			fmt.Printf("✅ Connected to %s\n", peerID)
		case peer.StatusDisconnected:
			fmt.Printf("🔌 Disconnected from %s\n", peerID)
		case peer.StatusError:
			fmt.Printf("❌ Could not reach %s\n", peerID)
		}
	})
	a.Engine.SetDealResponseListener(func(from, dealID string, accepted bool, note string) {
		verdict := "declined"
		if accepted {
			verdict = "accepted"
		}
		if note != "" {
			fmt.Printf("📨 %s %s deal %s (%s)\n", from, verdict, dealID, note)
		} else {
			fmt.Printf("📨 %s %s deal %s\n", from, verdict, dealID)
		}
	})

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Printf("\n✅ Crossroad bulletin board started!\n")
	fmt.Printf("Your peer id: %s\n", a.Registry.ID())
	fmt.Printf("Commands:\n")
	fmt.Printf("  /connect <peerId>            - Connect to a peer\n")
	fmt.Printf("  /disconnect <peerId>         - Drop the connection to a peer\n")
	fmt.Printf("  /peers                       - List connected peers and known users\n")
	fmt.Printf("  /post <title> | <price> | <description> - Post a listing\n")
	fmt.Printf("  /listings                    - Show all active listings\n")
	fmt.Printf("  /mine                        - Show your listings\n")
	fmt.Printf("  /search <text>               - Search listings\n")
	fmt.Printf("  /delete <listingId>          - Delete one of your listings\n")
	fmt.Printf("  /deal <listingId> <terms>    - Propose a deal on a listing\n")
	fmt.Printf("  /deals                       - Show your deals\n")
	fmt.Printf("  /accept <dealId>             - Accept a proposed deal\n")
	fmt.Printf("  /decline <dealId>            - Decline a proposed deal\n")
	fmt.Printf("  /complete <dealId>           - Mark a deal completed\n")
	fmt.Printf("  /cancel <dealId>             - Cancel a deal you are party to\n")
	fmt.Printf("  /open <dealId>               - Open a deal (marks it seen)\n")
	fmt.Printf("  /chat <dealId>               - Show a deal's messages\n")
	fmt.Printf("  /msg <dealId> <text>         - Send a chat message on a deal\n")
	fmt.Printf("  /offer <dealId> <price> [comment] - Send a price offer\n")
	fmt.Printf("  /profile <name>              - Set your display name\n")
	fmt.Printf("  /whoami                      - Show your profile\n")
	fmt.Printf("  /reset-id                    - Generate a fresh peer identity\n")
	fmt.Printf("  /quit                        - Exit\n")
	fmt.Print("> ")

	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			fmt.Print("> ")
			continue
		}

		switch {
		case input == "/quit":
			fmt.Println("👋 Shutting down...")
			return

		case strings.HasPrefix(input, "/connect "):
			target := strings.TrimSpace(input[9:])
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), a.connectTimeout())
				defer cancel()
				a.Registry.Connect(ctx, target)
			}()

		case strings.HasPrefix(input, "/disconnect "):
			target := strings.TrimSpace(input[12:])
			a.Registry.Disconnect(target)

		case input == "/peers":
			a.printPeers()

		case strings.HasPrefix(input, "/post "):
			a.postListing(strings.TrimSpace(input[6:]))

		case input == "/listings":
			a.printListings(a.Listings.Filter(board.ListingFilter{Status: board.ListingActive}))

		case input == "/mine":
			a.printListings(a.Listings.Mine())

		case strings.HasPrefix(input, "/search "):
			query := strings.TrimSpace(input[8:])
			a.printListings(a.Listings.Filter(board.ListingFilter{Search: query, Status: board.ListingActive}))

		case strings.HasPrefix(input, "/delete "):
			id := strings.TrimSpace(input[8:])
			if err := a.Listings.Delete(id); err != nil {
				fmt.Printf("❌ Failed to delete listing: %v\n", err)
			} else {
				fmt.Printf("✅ Listing %s deleted\n", id)
			}

		case strings.HasPrefix(input, "/deal "):
			a.proposeDeal(strings.TrimSpace(input[6:]))

		case input == "/deals":
			a.printDeals()

		case strings.HasPrefix(input, "/accept "):
			a.updateDeal(strings.TrimSpace(input[8:]), board.DealAccepted)

		case strings.HasPrefix(input, "/decline "):
			a.updateDeal(strings.TrimSpace(input[9:]), board.DealCancelled)

		case strings.HasPrefix(input, "/complete "):
			a.updateDeal(strings.TrimSpace(input[10:]), board.DealCompleted)

		case strings.HasPrefix(input, "/cancel "):
			a.updateDeal(strings.TrimSpace(input[8:]), board.DealCancelled)

		case strings.HasPrefix(input, "/open "):
			a.openDeal(strings.TrimSpace(input[6:]))

		case strings.HasPrefix(input, "/chat "):
			a.printChat(strings.TrimSpace(input[6:]))

		case strings.HasPrefix(input, "/msg "):
			parts := strings.SplitN(input[5:], " ", 2)
			if len(parts) < 2 {
				fmt.Println("Usage: /msg <dealId> <text>")
				break
			}
			a.sendMessage(parts[0], parts[1])

		case strings.HasPrefix(input, "/offer "):
			parts := strings.SplitN(input[7:], " ", 3)
			if len(parts) < 2 {
				fmt.Println("Usage: /offer <dealId> <price> [comment]")
				break
			}
			comment := ""
			if len(parts) == 3 {
				comment = parts[2]
			}
			a.sendOffer(parts[0], parts[1], comment)

		case strings.HasPrefix(input, "/profile "):
			name := strings.TrimSpace(input[9:])
			if _, err := a.Users.UpdateProfile(board.ProfileUpdate{Name: &name}); err != nil {
				fmt.Printf("❌ Failed to update profile: %v\n", err)
			} else {
				fmt.Printf("✅ You are now %q\n", name)
			}

		case input == "/whoami":
			a.printProfile()

		case input == "/reset-id":
			id, err := a.ResetIdentity(context.Background())
			if err != nil {
				fmt.Printf("❌ Failed to reset identity: %v\n", err)
			} else {
				fmt.Printf("✅ New peer id: %s\n", id)
			}

		default:
			fmt.Println("Unknown command. Type one of the commands listed at startup.")
		}
		fmt.Print("> ")
	}
}

func (a *App) printPeers() {
	peers := a.Registry.ConnectedPeers()
	if len(peers) == 0 {
		fmt.Println("👥 No peers connected. Use /connect <peerId>.")
	} else {
		fmt.Printf("👥 Connected peers (%d):\n", len(peers))
		for _, id := range peers {
			if u, ok := a.Users.GetByPeerID(id); ok {
				fmt.Printf("  - %s (%s)\n", id, u.Name)
			} else {
				fmt.Printf("  - %s\n", id)
			}
		}
	}
	if known := a.Users.Known(); len(known) > 0 {
		fmt.Printf("Known users (%d):\n", len(known))
		for _, u := range known {
			fmt.Printf("  - %s [%s] peer=%s\n", u.Name, u.ID, u.PeerID)
		}
	}
}

func (a *App) postListing(spec string) {
	parts := strings.Split(spec, "|")
	in := board.NewListing{Title: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		in.Price = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		in.Description = strings.TrimSpace(parts[2])
	}
	l, err := a.Listings.Create(in)
	if err != nil {
		fmt.Printf("❌ Failed to post listing: %v\n", err)
		return
	}
	fmt.Printf("✅ Posted listing %s: %s\n", l.ID, l.Title)
}

func (a *App) printListings(listings []*board.Listing) {
	if len(listings) == 0 {
		fmt.Println("📭 No listings.")
		return
	}
	fmt.Printf("📋 Listings (%d):\n", len(listings))
	for _, l := range listings {
		owner := l.CreatedBy
		if u, ok := a.Users.GetByID(l.CreatedBy); ok {
			owner = u.Name
		}
		price := l.Price
		if price == "" {
			price = "-"
		}
		fmt.Printf("  [%s] %s | %s | by %s | %s\n", l.ID, l.Title, price, owner, l.Status)
		if l.Description != "" {
			fmt.Printf("        %s\n", l.Description)
		}
	}
}

func (a *App) proposeDeal(spec string) {
	parts := strings.SplitN(spec, " ", 2)
	listingID := parts[0]
	terms := ""
	if len(parts) == 2 {
		terms = parts[1]
	}
	l, ok := a.Listings.Get(listingID)
	if !ok {
		fmt.Printf("❌ No such listing: %s\n", listingID)
		return
	}
	d, err := a.Deals.Create(listingID, l.CreatedBy, terms)
	if err != nil {
		fmt.Printf("❌ Failed to propose deal: %v\n", err)
		return
	}
	fmt.Printf("🤝 Proposed deal %s on %q\n", d.ID, l.Title)
}

func (a *App) printDeals() {
	me := a.Users.Current()
	if me == nil {
		return
	}
	deals := a.Deals.ByUser(me.ID)
	if len(deals) == 0 {
		fmt.Println("📭 No deals.")
		return
	}
	fmt.Printf("🤝 Deals (%d):\n", len(deals))
	for _, d := range deals {
		title := d.ListingID
		if l, ok := a.Listings.Get(d.ListingID); ok {
			title = l.Title
		}
		role := "received"
		if d.InitiatorID == me.ID {
			role = "sent"
		}
		line := fmt.Sprintf("  [%s] %s | %s | %s", d.ID, title, d.Status, role)
		if unread := a.Deals.UnreadCount(d.ID); unread > 0 {
			line += fmt.Sprintf(" | %d unread", unread)
		}
		fmt.Println(line)
	}
}

func (a *App) updateDeal(id string, status board.DealStatus) {
	d, err := a.Deals.UpdateStatus(id, status)
	if err != nil {
		fmt.Printf("❌ Failed to update deal: %v\n", err)
		return
	}
	fmt.Printf("✅ Deal %s is now %s\n", d.ID, d.Status)
}

func (a *App) openDeal(id string) {
	me := a.Users.Current()
	if me == nil {
		return
	}
	if _, err := a.Deals.MarkOpened(id, me.ID); err != nil {
		fmt.Printf("❌ Failed to open deal: %v\n", err)
		return
	}
	if err := a.Deals.MarkRead(id); err != nil {
		fmt.Printf("⚠️ Could not mark messages read: %v\n", err)
	}
	a.printChat(id)
}

func (a *App) printChat(dealID string) {
	msgs := a.Deals.MessagesFor(dealID)
	if len(msgs) == 0 {
		fmt.Println("📭 No messages on this deal yet.")
		return
	}
	fmt.Printf("--- Chat for deal %s ---\n", dealID)
	for _, m := range msgs {
		from := m.FromPeerID
		if u, ok := a.Users.GetByPeerID(m.FromPeerID); ok {
			from = u.Name
		}
		stamp := time.UnixMilli(m.Timestamp).Format("15:04")
		if m.IsOffer {
			fmt.Printf("[%s] %s offered %s: %s\n", stamp, from, m.OfferPrice, m.Content)
		} else {
			fmt.Printf("[%s] %s: %s\n", stamp, from, m.Content)
		}
	}
	fmt.Println("--- End of chat ---")
}

func (a *App) sendMessage(dealID, text string) {
	d, ok := a.Deals.Get(dealID)
	if !ok {
		fmt.Printf("❌ No such deal: %s\n", dealID)
		return
	}
	if _, err := a.Deals.AddMessage(dealID, text, a.CounterpartyPeer(d)); err != nil {
		fmt.Printf("❌ Failed to send message: %v\n", err)
	}
}

func (a *App) sendOffer(dealID, price, comment string) {
	d, ok := a.Deals.Get(dealID)
	if !ok {
		fmt.Printf("❌ No such deal: %s\n", dealID)
		return
	}
	if _, err := a.Deals.AddOffer(dealID, price, comment, a.CounterpartyPeer(d)); err != nil {
		fmt.Printf("❌ Failed to send offer: %v\n", err)
		return
	}
	fmt.Printf("💰 Offered %s on deal %s\n", price, dealID)
}

func (a *App) printProfile() {
	me := a.Users.Current()
	if me == nil {
		fmt.Println("No profile loaded.")
		return
	}
	fmt.Printf("🪪 %s\n", me.Name)
	fmt.Printf("   user id: %s\n", me.ID)
	fmt.Printf("   peer id: %s\n", me.PeerID)
	if me.Bio != "" {
		fmt.Printf("   bio: %s\n", me.Bio)
	}
	fmt.Printf("   member since: %s\n", time.UnixMilli(me.CreatedAt).Format("2006-01-02"))
}
