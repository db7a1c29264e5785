package cmd

import (
	"context"
	"fmt"

	"github.com/BioHazard786/voicelink/internal/presence"
	"github.com/BioHazard786/voicelink/internal/ui"
	"github.com/spf13/cobra"
)

var flagFriendName string

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Manage friends and see who is online",
}

var friendsAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Add a friend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if args[0] == s.Self.UserID {
			return fmt.Errorf("cannot add yourself as a friend")
		}
		friend := presence.User{ID: args[0], Name: flagFriendName}
		if err := s.Dir.AddFriendship(cmd.Context(), s.User(), friend); err != nil {
			return NewError("add friend", err)
		}
		ui.PrintSuccessf("%s is now your friend", displayFriend(friend))
		return nil
	},
}

var friendsOnlineCmd = &cobra.Command{
	Use:   "online",
	Short: "List friends who are online",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.Close()

		users, err := onlineFriends(cmd.Context(), s.Dir, s.Self.UserID)
		if err != nil {
			return NewError("list friends", err)
		}
		if len(users) == 0 {
			ui.PrintInfo("No friends online")
			return nil
		}
		fmt.Println(ui.FriendTableView(users))
		return nil
	},
}

// onlineFriends takes the first roster snapshot.
func onlineFriends(ctx context.Context, dir presence.Directory, self string) ([]presence.User, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	roster, err := presence.OnlineFriends(ctx, dir, self)
	if err != nil {
		return nil, err
	}
	select {
	case users, ok := <-roster:
		if !ok {
			return nil, ctx.Err()
		}
		return users, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func displayFriend(u presence.User) string {
	if u.Name == "" || u.Name == u.ID {
		return u.ID
	}
	return fmt.Sprintf("%s (%s)", u.Name, u.ID)
}

func init() {
	rootCmd.AddCommand(friendsCmd)
	friendsCmd.AddCommand(friendsAddCmd, friendsOnlineCmd)

	friendsAddCmd.Flags().StringVarP(&flagFriendName, "name", "n", "", "Friend display name")
}
