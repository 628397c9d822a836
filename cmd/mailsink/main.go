package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/mailsink-io/mailsink/internal/config"
	"github.com/mailsink-io/mailsink/internal/rules"
	"github.com/mailsink-io/mailsink/internal/runner"
	"github.com/mailsink-io/mailsink/internal/store"
	"github.com/mailsink-io/mailsink/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "mailsink",
	Short: "Mailsink - email to webhook alert relay",
	Long: `Mailsink watches an IMAP mailbox for alert emails, matches them
against sender rules, and relays each one as a JSON webhook to the
configured ingress endpoint. Delivered alerts are archived on disk.`,
	Version: version.String(),
}

var configFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mailbox monitor and ops API",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailsink %s\n", version.Full())
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Inspect the persisted alert archive",
}

var (
	alertLimitFlag int
	alertJSONFlag  bool
)

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored alerts, oldest first",
	RunE:  runAlertsList,
}

var alertsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one stored alert",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlertsShow,
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and print the effective sender rule table",
	RunE:  runRulesCheck,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect the sender rule configuration",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Directory containing mailsink.yaml")

	alertsListCmd.Flags().IntVar(&alertLimitFlag, "limit", 20, "Maximum number of alerts to list (0 for all)")
	alertsListCmd.Flags().BoolVar(&alertJSONFlag, "json", false, "Emit raw JSON records")
	alertsShowCmd.Flags().BoolVar(&alertJSONFlag, "json", false, "Emit the raw JSON record")

	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsShowCmd)
	rulesCmd.AddCommand(rulesCheckCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(rulesCmd)
}

func loadConfig() (*config.Config, error) {
	if err := config.Load(configFlag); err != nil {
		return nil, err
	}
	return config.Get(), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	app, err := runner.New(conf)
	if err != nil {
		return err
	}
	return app.Run(context.Background())
}

func runAlertsList(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(conf.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open alert store: %w", err)
	}

	alerts := st.Recent(alertLimitFlag)
	if alertJSONFlag {
		data, err := json.MarshalIndent(alerts, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(alerts) == 0 {
		fmt.Println("No alerts stored")
		return nil
	}
	for _, a := range alerts {
		fmt.Printf("%-20s %-30s %-40s %s\n", a.ID, a.Sender, truncate(a.Subject, 40), a.Route)
	}
	fmt.Printf("\n%d of %d alerts\n", len(alerts), st.Len())
	return nil
}

func runAlertsShow(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(conf.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open alert store: %w", err)
	}

	alert, err := st.Get(args[0])
	if err != nil {
		return err
	}

	if alertJSONFlag {
		data, err := json.MarshalIndent(alert, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("ID:       %s\n", alert.ID)
	fmt.Printf("UID:      %s\n", alert.UID)
	fmt.Printf("Sender:   %s\n", alert.Sender)
	fmt.Printf("Subject:  %s\n", alert.Subject)
	fmt.Printf("Route:    %s\n", alert.Route)
	fmt.Printf("Received: %s\n", alert.ReceivedAt)
	fmt.Printf("Stored:   %s\n", alert.StoredAt)
	if alert.Body != "" {
		fmt.Printf("\n%s\n", alert.Body)
	}
	return nil
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	loader := rules.NewLoader(conf.Rules.DefaultRoute)
	var table *rules.Table
	if conf.Rules.File != "" {
		fmt.Printf("Loading rules file %s\n", conf.Rules.File)
		table, err = loader.FromFile(conf.Rules.File)
	} else {
		table, err = loader.FromPatterns(conf.Rules.Patterns)
	}
	if err != nil {
		return fmt.Errorf("rule configuration invalid: %w", err)
	}

	for _, r := range table.Rules() {
		if r.Description != "" {
			fmt.Printf("  %-30s -> %-20s %s\n", r.Pattern, r.Route, r.Description)
		} else {
			fmt.Printf("  %-30s -> %s\n", r.Pattern, r.Route)
		}
	}
	fmt.Printf("✅ %d rules loaded\n", table.Len())
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
