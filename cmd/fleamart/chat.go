package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	fleamart "github.com/fleamart/fleamart-go"
	"github.com/spf13/cobra"
)

func init() {
	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatMessagesCmd)
	chatCmd.AddCommand(chatSendCmd)
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Conversations and messages",
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations with unread counts",
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

		chat := fleamart.NewChatStore(client)
		if err := chat.RefreshConversations(ctx); err != nil {
			return err
		}
		for _, c := range chat.Conversations() {
			marker := " "
			if c.UnreadCount > 0 {
				marker = fmt.Sprintf("%d", c.UnreadCount)
			}
			fmt.Printf("%-20s [%s] %s\n", c.PeerName, marker, c.LastMessage)
		}
		fmt.Printf("unread total: %d\n", chat.UnreadTotal())
		return nil
	},
}

var chatMessagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's messages, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conversation id %q", args[0])
		}

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

		chat := fleamart.NewChatStore(client)
		msgs, err := chat.LoadMessages(ctx, id)
		if err != nil {
			return err
		}
		chat.MarkConversationRead(id)
		for _, m := range msgs {
			who := "peer"
			if m.Self {
				who = "me"
			}
			ts := time.UnixMilli(m.Timestamp).Format("15:04")
			fmt.Printf("[%s] %-4s %s\n", ts, who, m.Content)
		}
		return nil
	},
}

var chatSendCmd = &cobra.Command{
	Use:   "send <user-id> <message>",
	Short: "Send a direct message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiverID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}

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

		chat := fleamart.NewChatStore(client)
		msg, err := chat.SendMessage(ctx, receiverID, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("sent (message id %d)\n", msg.ID)
		return nil
	},
}
