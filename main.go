package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"parley.live/auth"
	"parley.live/client"
	"parley.live/gateway"
	"parley.live/web"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("auth-secret", "", "Token signing secret")
	rootCmd.PersistentFlags().String("server-url", "ws://localhost:8000/ws", "Streaming server URL")
	rootCmd.PersistentFlags().String("user-id", "", "User id for client commands")
	rootCmd.PersistentFlags().String("auth-token", "", "Bearer token for client commands")

	viper.BindPFlag("auth_secret", rootCmd.PersistentFlags().Lookup("auth-secret"))
	viper.BindPFlag("server_url", rootCmd.PersistentFlags().Lookup("server-url"))
	viper.BindPFlag("user_id", rootCmd.PersistentFlags().Lookup("user-id"))
	viper.BindPFlag("auth_token", rootCmd.PersistentFlags().Lookup("auth-token"))

	rootCmd.AddCommand(web.ServeCmd)
	rootCmd.AddCommand(client.StreamCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(tokenCmd)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	viper.SetDefault("session_ttl", 3*time.Hour)
	viper.SetDefault("chunk_timeout", 10*time.Second)
	viper.SetDefault("keepalive_interval", 30*time.Second)
	viper.SetDefault("chunk_duration", 500*time.Millisecond)
	viper.SetDefault("max_streams", 64)
	viper.SetDefault("volume", 1.0)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stdout)
}

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Real-time speech translation streaming",
	Long:  `Parley carries speech between languages over one long-lived connection per conversation.`,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live connections on a running server",
	Run:   runSessions,
}

func runSessions(cmd *cobra.Command, args []string) {
	base := viper.GetString("stats_url")
	if base == "" {
		base = "http://localhost:8000"
	}

	resp, err := http.Get(base + "/stream/stats")
	if err != nil {
		logger.Fatal("fetch stats", "error", err)
	}
	defer resp.Body.Close()

	var stats gateway.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		logger.Fatal("decode stats", "error", err)
	}

	fmt.Printf(
		"connections: %d  authenticated: %d  streaming: %d\n\n",
		stats.TotalConnections,
		stats.AuthenticatedUsers,
		stats.ActiveSessions,
	)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Connection", "User", "Session", "Up", "Idle", "Messages"})
	for _, c := range stats.Connections {
		table.Append([]string{
			c.ConnectionID,
			c.UserID,
			c.SessionID,
			fmt.Sprintf("%.0fs", c.ConnectedSeconds),
			fmt.Sprintf("%.0fs", c.IdleSeconds),
			fmt.Sprintf("%d", c.MessageCount),
		})
	}
	table.Render()
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a signed token for a user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		secret := viper.GetString("auth_secret")
		if secret == "" {
			logger.Fatal("auth_secret is not configured")
		}
		token, err := auth.NewVerifier(secret).Issue(args[0], 24*time.Hour)
		if err != nil {
			logger.Fatal("issue token", "error", err)
		}
		fmt.Println(token)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
