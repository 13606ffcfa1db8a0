package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serverURL string
	client    *Client
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

// collectFiles validates the file arguments and returns their declarations.
// Directories are rejected; each file is pushed to blob storage on its own.
func collectFiles(args []string) ([]string, []FileDecl, error) {
	if len(args) == 0 {
		return nil, nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var paths []string
	var decls []FileDecl
	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}
		if info.IsDir() {
			return nil, nil, &ValidationError{Arg: raw, Cause: "is a directory, pass files individually"}
		}
		paths = append(paths, p)
		decls = append(decls, FileDecl{
			Name: filepath.Base(p),
			Size: info.Size(),
			Type: mime.TypeByExtension(filepath.Ext(p)),
		})
	}
	return paths, decls, nil
}

func newSendCmd() *cobra.Command {
	var (
		expiry       time.Duration
		noExpiry     bool
		maxDownloads int
		password     string
	)

	cmd := &cobra.Command{
		Use:   "send <files...>",
		Short: "Upload files and print the share link",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, decls, err := collectFiles(args)
			if err != nil {
				return err
			}

			var expirySeconds *int64
			if !noExpiry {
				secs := int64(expiry / time.Second)
				expirySeconds = &secs
			}
			var maxDl *int
			if maxDownloads > 0 {
				maxDl = &maxDownloads
			}

			initResp, err := client.InitUpload(decls, expirySeconds, maxDl)
			if err != nil {
				return err
			}

			meta := make([]FileMeta, len(decls))
			for i, target := range initResp.PresignedUrls {
				fmt.Fprintf(cmd.OutOrStdout(), "uploading %s (%d bytes)...\n", decls[i].Name, decls[i].Size)
				if err := client.PushFile(target.URL, paths[i], decls[i].Size); err != nil {
					return err
				}
				meta[i] = FileMeta{
					Name:       decls[i].Name,
					Size:       decls[i].Size,
					Type:       decls[i].Type,
					StorageKey: target.StorageKey,
				}
			}

			link, err := client.CompleteUpload(initResp, meta, password)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", link)
			if initResp.ExpiresAt != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "expires: %s\n", time.UnixMilli(*initResp.ExpiresAt).Local().Format(time.RFC1123))
			}
			if maxDl != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "downloads allowed: %d\n", *maxDl)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&expiry, "expiry", 7*24*time.Hour, "link lifetime (e.g. 24h, 30m)")
	cmd.Flags().BoolVar(&noExpiry, "no-expiry", false, "link never expires")
	cmd.Flags().IntVar(&maxDownloads, "max-downloads", 0, "download ceiling, 0 for unlimited")
	cmd.Flags().StringVar(&password, "password", "", "protect the link with a password")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <token|link>",
		Short: "Show link status without consuming a download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := client.Resolve(TokenFromArg(args[0]))
			if err != nil {
				return err
			}
			if !view.Valid {
				if view.Reason == "expired" {
					fmt.Fprintln(cmd.OutOrStdout(), "link has expired")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "link not found")
				}
				return nil
			}

			for _, f := range view.Files {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\n", f.Name, f.Size)
			}
			if view.Expiry != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "expires: %s\n", time.UnixMilli(*view.Expiry).Local().Format(time.RFC1123))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "expires: never")
			}
			if view.RemainingDownloads != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "downloads remaining: %d\n", *view.RemainingDownloads)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "downloads remaining: unlimited")
			}
			if view.PasswordProtected {
				fmt.Fprintln(cmd.OutOrStdout(), "password protected")
			}
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "get <token|link>",
		Short: "Redeem a link and print the download URLs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := client.Redeem(TokenFromArg(args[0]), password)
			if err != nil {
				return err
			}
			if !result.OK {
				switch result.Error {
				case "expired":
					return fmt.Errorf("link has expired")
				case "max_downloads_reached":
					return fmt.Errorf("download limit reached")
				case "password_required":
					return fmt.Errorf("link requires a password (use --password)")
				case "invalid_password":
					return fmt.Errorf("wrong password")
				default:
					return fmt.Errorf("link not found")
				}
			}

			for _, f := range result.FileUrls {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", f.Name, f.URL)
			}
			if result.RemainingDownloads != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "downloads remaining: %d\n", *result.RemainingDownloads)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "password for protected links")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage client configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			viper.Set(args[0], args[1])
			if err := viper.WriteConfig(); err != nil {
				return viper.SafeWriteConfig()
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Show a config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), viper.GetString(args[0]))
			return nil
		},
	})

	return cmd
}

func initConfig() {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = "."
	}
	configDir = filepath.Join(configDir, "relay")
	os.MkdirAll(configDir, 0o755)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")
	viper.SetDefault("server", "http://localhost:8080")
	viper.ReadInConfig() // a missing config file is fine
}

func main() {
	cobra.OnInitialize(initConfig)

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Share files through a relay server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if serverURL == "" {
				serverURL = viper.GetString("server")
			}
			client = NewClient(serverURL)
		},
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "", "relay server base URL")

	root.AddCommand(newSendCmd(), newInfoCmd(), newGetCmd(), newConfigCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
