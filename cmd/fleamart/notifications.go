package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	fleamart "github.com/fleamart/fleamart-go"
	"github.com/spf13/cobra"
)

var notificationsAll bool

func init() {
	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsReadCmd.Flags().BoolVar(&notificationsAll, "all", false, "Mark every notification read")
	notificationsCmd.AddCommand(notificationsReadCmd)
	rootCmd.AddCommand(notificationsCmd)
}

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notify"},
	Short:   "Notification feed",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the first page of notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()
		if err := requireLogin(client); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		feed := fleamart.NewNotificationFeed(client)
		if err := feed.Refresh(ctx); err != nil {
			return err
		}
		unread, err := feed.UnreadCount(ctx)
		if err != nil {
			unread = feed.Unread()
		}
		for _, n := range feed.Items() {
			marker := " "
			if !n.Read {
				marker = "*"
			}
			fmt.Printf("%s %6d  %s\n", marker, n.ID, n.Content)
		}
		fmt.Printf("unread: %d\n", unread)
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read [id]",
	Short: "Mark a notification (or --all) as read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()
		if err := requireLogin(client); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		feed := fleamart.NewNotificationFeed(client)
		if notificationsAll {
			if err := feed.MarkAllRead(ctx); err != nil {
				return err
			}
			fmt.Println("all notifications marked read")
			return nil
		}
		if len(args) != 1 {
			return fmt.Errorf("provide a notification id or --all")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid notification id %q", args[0])
		}
		if err := feed.MarkRead(ctx, id); err != nil {
			return err
		}
		fmt.Printf("notification %d marked read\n", id)
		return nil
	},
}
