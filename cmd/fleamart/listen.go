package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	fleamart "github.com/fleamart/fleamart-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stream realtime events until interrupted",
	Long:  "Connect the push channel, bootstrap presence, and print chat, presence and notification events as they arrive. Reconnects with backoff on channel drop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()
		if err := requireLogin(client); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		chat := fleamart.NewChatStore(client)
		presence := fleamart.NewPresenceTracker(client)
		feed := fleamart.NewNotificationFeed(client)

		conn := client.Realtime()
		if err := conn.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if conn.State() != fleamart.StateConnected {
			return fmt.Errorf("no valid session; sign in again")
		}
		if err := presence.Bootstrap(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "presence bootstrap failed:", err)
		}

		supervisor := fleamart.NewSupervisor(conn)
		syncer := fleamart.NewSyncer(chat, presence, feed)
		syncer.OnDisconnect = func(err error) {
			fmt.Fprintln(os.Stderr, "channel dropped:", err)
			go func() {
				if rerr := supervisor.Resume(ctx); rerr != nil {
					fmt.Fprintln(os.Stderr, "reconnect failed:", rerr)
					stop()
					return
				}
				// Events missed while offline are folded back in.
				if berr := presence.Bootstrap(ctx); berr == nil {
					fmt.Fprintln(os.Stderr, "reconnected")
				}
			}()
		}

		go printLoop(ctx, conn, chat, presence, feed)
		syncer.Run(ctx, conn.Events())

		conn.Disconnect()
		return nil
	},
}

// printLoop periodically summarizes state; the Syncer owns the mutations.
func printLoop(ctx context.Context, conn *fleamart.Conn, chat *fleamart.ChatStore, presence *fleamart.PresenceTracker, feed *fleamart.NotificationFeed) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Printf("state=%s unread=%d online=%d notifications=%d\n",
				conn.State(), chat.UnreadTotal(), len(presence.Online()), feed.Unread())
		}
	}
}
