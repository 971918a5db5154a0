package main

import (
	"fmt"
	"os"

	"github.com/alfredjeanlab/conveyance/internal/client"
	"github.com/alfredjeanlab/conveyance/internal/model"
	"github.com/alfredjeanlab/conveyance/internal/ui"
	"github.com/spf13/cobra"
)

var (
	httpURL    string
	authToken  string
	grpcAddr   string
	jsonOutput bool
	noColor    bool
	roleFlag   string

	apiClient client.Client
)

func defaultHTTPURL() string {
	if s := os.Getenv("CONVEY_URL"); s != "" {
		return s
	}
	if u := activeRemoteURL(); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func defaultToken() string {
	if s := os.Getenv("CONVEY_TOKEN"); s != "" {
		return s
	}
	return activeRemoteToken()
}

func defaultGRPCAddr() string {
	if s := os.Getenv("CONVEY_GRPC"); s != "" {
		return s
	}
	if a := activeRemoteGRPCAddr(); a != "" {
		return a
	}
	return "localhost:9090"
}

func defaultRole() string {
	if s := os.Getenv("CONVEY_ROLE"); s != "" {
		return s
	}
	return activeRemoteRole()
}

// currentRole returns the --role flag as a validated role.
func currentRole() (model.Role, error) {
	r := model.Role(roleFlag)
	if roleFlag == "" {
		return "", fmt.Errorf("--role is required (or set CONVEY_ROLE)")
	}
	if !r.IsValid() {
		return "", fmt.Errorf("unknown role %q (want one of %v)", roleFlag, model.Roles)
	}
	return r, nil
}

var rootCmd = &cobra.Command{
	Use:           "ct <command>",
	Short:         "CLI for the conveyancing update service",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
		apiClient = client.NewHTTPClient(httpURL, authToken)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if apiClient != nil {
			apiClient.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "url", defaultHTTPURL(), "HTTP server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", defaultToken(), "bearer token")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc", defaultGRPCAddr(), "gRPC server address (health checks)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&roleFlag, "role", defaultRole(), "acting role (buyer, estate-agent, buyer-conveyancer, seller-conveyancer)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "updates", Title: "Updates:"},
		&cobra.Group{ID: "documents", Title: "Documents:"},
		&cobra.Group{ID: "proposals", Title: "Completion date:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Updates
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(updatesCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(statusesCmd)
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(watchCmd)

	// Documents
	rootCmd.AddCommand(docCmd)

	// Completion date
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(proposalsCmd)
	rootCmd.AddCommand(acceptCmd)
	rootCmd.AddCommand(rejectCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(presenceCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(remoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
