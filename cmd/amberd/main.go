package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/amberbase/amberbase"
	"github.com/amberbase/amberbase/channels"
	"github.com/amberbase/amberbase/collections"
	"github.com/amberbase/amberbase/config"
	"github.com/amberbase/amberbase/connection"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "amberd",
		Short: "Amberbase realtime sync server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("idle-timeout-seconds", defaults.GetInt("realtime.idle_timeout_s"), "Realtime idle timeout in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "realtime.idle_timeout_s", "idle-timeout-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// todoDocument is the payload of the demo "todos" collection. Owners are the
// visibility boundary; tags index the board a todo belongs to.
type todoDocument struct {
	Title  string   `json:"title"`
	Done   bool     `json:"done"`
	Owners []string `json:"owners"`
	Board  string   `json:"board,omitempty"`
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	app, err := amberbase.New().
		WithConfig(appConfig).
		WithCollection("todos", todosCollection()).
		WithChannel("chat", channels.Settings{
			Subchannels: true,
			AccessRights: &channels.AccessRights{
				Roles: map[string][]channels.Action{
					"editor": {channels.ActionSubscribe, channels.ActionPublish},
					"reader": {channels.ActionSubscribe},
				},
			},
		}).
		Create()
	if err != nil {
		return err
	}

	return app.Run(ctx)
}

func todosCollection() collections.Settings {
	return collections.Settings{
		AccessRights: &collections.AccessRights{
			Roles: map[string][]collections.Action{
				"editor": {collections.ActionCreate, collections.ActionRead, collections.ActionUpdate, collections.ActionDelete},
				"reader": {collections.ActionRead},
			},
		},
		AccessTagsFromUser: func(user connection.UserContext) []string {
			return []string{"user-" + user.UserID}
		},
		AccessTagsFromDocument: func(data json.RawMessage) []string {
			var todo todoDocument
			if err := json.Unmarshal(data, &todo); err != nil {
				return nil
			}
			tags := make([]string, 0, len(todo.Owners))
			for _, owner := range todo.Owners {
				tags = append(tags, "user-"+owner)
			}
			return tags
		},
		DataTagsFromDocument: func(data json.RawMessage) []string {
			var todo todoDocument
			if err := json.Unmarshal(data, &todo); err != nil || todo.Board == "" {
				return nil
			}
			return []string{"board-" + todo.Board}
		},
		Validator: func(user connection.UserContext, oldData, newData json.RawMessage, action collections.Action) bool {
			if action == collections.ActionDelete {
				return true
			}
			var todo todoDocument
			if err := json.Unmarshal(newData, &todo); err != nil {
				return false
			}
			return todo.Title != "" && len(todo.Owners) > 0
		},
	}
}
