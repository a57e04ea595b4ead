package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rogeecn/marzban-bot/internal/marzban"
	"github.com/spf13/cobra"
)

type panelClient interface {
	GetUser(ctx context.Context, username string) (*marzban.User, error)
	CreateUser(ctx context.Context, username string, limits marzban.Limits) error
	UpdateUser(ctx context.Context, username string, limits marzban.Limits) error
	DeleteUser(ctx context.Context, username string) error
}

var newUserPanel = func() (panelClient, error) {
	cfg, err := loadRuntime()
	if err != nil {
		return nil, err
	}
	return newPanelClient(cfg), nil
}

var (
	userDays    int
	userLimitMB int64
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "面板用户管理",
}

var userGetCmd = &cobra.Command{
	Use:   "get <username>",
	Short: "查看面板用户",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserGet,
}

var userCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "创建面板用户 (已存在时更新限额)",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserCreate,
}

var userUpdateCmd = &cobra.Command{
	Use:   "update <username>",
	Short: "修改面板用户的流量与到期时间",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserUpdate,
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete <username>",
	Short: "删除面板用户",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserDelete,
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userGetCmd)
	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userUpdateCmd)
	userCmd.AddCommand(userDeleteCmd)

	for _, c := range []*cobra.Command{userCreateCmd, userUpdateCmd} {
		c.Flags().IntVar(&userDays, "days", 0, "有效天数 (0 表示不设置)")
		c.Flags().Int64Var(&userLimitMB, "limit-mb", 0, "流量上限 MB (0 表示不设置)")
	}
}

func runUserGet(cmd *cobra.Command, args []string) error {
	panel, err := newUserPanel()
	if err != nil {
		return err
	}

	user, err := panel.GetUser(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Username:   %s\n", user.Username)
	fmt.Fprintf(out, "Status:     %s\n", user.Status)
	fmt.Fprintf(out, "Used:       %s\n", humanize.IBytes(uint64(max(user.UsedTraffic, 0))))
	if user.DataLimit != nil && *user.DataLimit > 0 {
		fmt.Fprintf(out, "Limit:      %s\n", humanize.IBytes(uint64(*user.DataLimit)))
	} else {
		fmt.Fprintln(out, "Limit:      unlimited")
	}
	if expireAt, ok := user.ExpireTime(); ok {
		fmt.Fprintf(out, "Expires:    %s (%s)\n", expireAt.Format(time.RFC3339), humanize.Time(expireAt))
	} else {
		fmt.Fprintln(out, "Expires:    never")
	}
	if user.SubscriptionURL != "" {
		fmt.Fprintf(out, "Subscribe:  %s\n", user.SubscriptionURL)
	}
	return nil
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	panel, err := newUserPanel()
	if err != nil {
		return err
	}

	if err := panel.CreateUser(cmd.Context(), args[0], limitsFromFlags()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "User %s provisioned.\n", args[0])
	return nil
}

func runUserUpdate(cmd *cobra.Command, args []string) error {
	limits := limitsFromFlags()
	if limits.DataLimit == nil && limits.Expire == nil {
		return fmt.Errorf("nothing to update: pass --days or --limit-mb")
	}

	panel, err := newUserPanel()
	if err != nil {
		return err
	}

	if err := panel.UpdateUser(cmd.Context(), args[0], limits); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "User %s updated.\n", args[0])
	return nil
}

func runUserDelete(cmd *cobra.Command, args []string) error {
	username := strings.TrimSpace(args[0])
	if username == "" {
		return fmt.Errorf("username is required")
	}

	panel, err := newUserPanel()
	if err != nil {
		return err
	}

	if err := panel.DeleteUser(cmd.Context(), username); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "User %s deleted.\n", username)
	return nil
}

func limitsFromFlags() marzban.Limits {
	var expireAt time.Time
	if userDays > 0 {
		expireAt = time.Now().UTC().AddDate(0, 0, userDays)
	}
	return marzban.NewLimits(userLimitMB*1024*1024, expireAt)
}
