package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"slatesync/backend"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "slatesync",
	Short: "Sync a local mirror of your cloud notebook documents",
	Long: `slatesync maintains a local content-addressed mirror of a cloud notebook
account: documents, collections, per-page stroke files and PDF/EPUB payloads.

Typical workflow:
  slatesync auth abcd1234        # pair this machine with a one-time code
  slatesync sync                 # run one download pass
  slatesync ls                   # browse the document tree
  slatesync get Notes/report     # download a document's payload
  slatesync serve                # keep syncing until interrupted`,
	SilenceUsage: true,
}

var authCmd = &cobra.Command{
	Use:   "auth <code>",
	Short: "Register this device with a one-time connect code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := NewApp(configPath)
		if err != nil {
			return err
		}
		defer app.Shutdown()

		if err := app.Auth.RegisterDevice(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("device registered")
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one download pass against the cloud root",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAuthenticatedApp()
		if err != nil {
			return err
		}
		defer app.Shutdown()

		if err := app.Sync(); err != nil {
			return err
		}
		fmt.Printf("synced: %d documents, %d collections\n",
			len(app.Store.Documents()), len(app.Store.Collections()))
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List documents and collections",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAuthenticatedApp()
		if err != nil {
			return err
		}
		defer app.Shutdown()

		if err := app.Sync(); err != nil {
			return err
		}

		parent := ""
		if len(args) == 1 {
			_, collection, err := app.Store.ResolvePath(args[0])
			if err != nil {
				return err
			}
			if collection == nil {
				return fmt.Errorf("%s is not a collection", args[0])
			}
			parent = collection.UUID
		}
		printTree(app, parent, "")
		return nil
	},
}

var outputPath string

var getCmd = &cobra.Command{
	Use:   "get <path|uuid>",
	Short: "Download a document and write its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAuthenticatedApp()
		if err != nil {
			return err
		}
		defer app.Shutdown()

		if err := app.Sync(); err != nil {
			return err
		}

		document, err := resolveDocument(app, args[0])
		if err != nil {
			return err
		}
		if err := app.Engine.EnsureAvailable(cmd.Context(), document.UUID); err != nil {
			return err
		}

		switch document.Content.FileType {
		case backend.FileTypePDF, backend.FileTypeEPUB:
			leaf, ok := document.FileByUUID(document.UUID + "." + document.Content.FileType)
			if !ok {
				return fmt.Errorf("document %s has no payload file", document.UUID)
			}
			data, err := app.Cache.Get(leaf.Hash)
			if err != nil {
				return err
			}
			target := outputPath
			if target == "" {
				target = document.VisibleName()
				if !strings.HasSuffix(target, "."+document.Content.FileType) {
					target += "." + document.Content.FileType
				}
			}
			if err := os.WriteFile(target, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", target, err)
			}
			fmt.Printf("wrote %s (%d bytes)\n", target, len(data))
		default:
			// ノートブックは単一ペイロードを持たないのでリーフ一式を書き出す
			dir := outputPath
			if dir == "" {
				dir = document.VisibleName()
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
			for _, leaf := range document.Files {
				data, err := app.Cache.Get(leaf.Hash)
				if err != nil {
					return err
				}
				target := filepath.Join(dir, filepath.FromSlash(leaf.UUID))
				if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
					return err
				}
				if err := os.WriteFile(target, data, 0644); err != nil {
					return fmt.Errorf("failed to write %s: %w", target, err)
				}
			}
			fmt.Printf("wrote %d files to %s\n", len(document.Files), dir)
		}
		return nil
	},
}

var putParent string

var putCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Upload a PDF or EPUB as a new document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAuthenticatedApp()
		if err != nil {
			return err
		}
		defer app.Shutdown()

		if err := app.Sync(); err != nil {
			return err
		}

		parent := ""
		if putParent != "" {
			_, collection, err := app.Store.ResolvePath(putParent)
			if err != nil {
				return err
			}
			if collection == nil {
				return fmt.Errorf("%s is not a collection", putParent)
			}
			parent = collection.UUID
		}

		payload, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))

		var document *backend.Document
		switch strings.ToLower(filepath.Ext(args[0])) {
		case ".pdf":
			document = backend.NewPDFDocument(name, parent, payload)
		case ".epub":
			document = backend.NewEPUBDocument(name, parent, payload)
		default:
			return fmt.Errorf("unsupported file type %s (want .pdf or .epub)", filepath.Ext(args[0]))
		}

		if err := app.Engine.CreateDocument(cmd.Context(), document); err != nil {
			return err
		}
		fmt.Printf("uploaded %s as %s\n", args[0], document.UUID)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path|uuid>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAuthenticatedApp()
		if err != nil {
			return err
		}
		defer app.Shutdown()

		if err := app.Sync(); err != nil {
			return err
		}

		document, err := resolveDocument(app, args[0])
		if err != nil {
			return err
		}
		if err := app.Engine.DeleteDocument(cmd.Context(), document.UUID); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", document.VisibleName())
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the local mirror in sync until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAuthenticatedApp()
		if err != nil {
			return err
		}
		defer app.Shutdown()

		if err := app.StartSync(); err != nil {
			return err
		}
		fmt.Println("syncing; press Ctrl+C to stop")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("shutting down")
		return nil
	},
}

// newAuthenticatedApp はアプリを組み立てて保存済みトークンを読み込む
func newAuthenticatedApp() (*App, error) {
	app, err := NewApp(configPath)
	if err != nil {
		return nil, err
	}
	if err := app.Initialize(); err != nil {
		if errors.Is(err, backend.ErrAuthRequired) {
			app.Shutdown()
			return nil, errors.New("this device is not registered; run `slatesync auth <code>` first")
		}
		app.Shutdown()
		return nil, err
	}
	return app, nil
}

func resolveDocument(app *App, arg string) (*backend.Document, error) {
	if document, ok := app.Store.Document(arg); ok {
		return document, nil
	}
	document, _, err := app.Store.ResolvePath(arg)
	if err != nil {
		return nil, err
	}
	if document == nil {
		return nil, fmt.Errorf("%s is not a document", arg)
	}
	return document, nil
}

func printTree(app *App, parent, indent string) {
	for _, collection := range app.Store.ChildCollections(parent) {
		fmt.Printf("%s%s/\n", indent, collection.Metadata.VisibleName)
		printTree(app, collection.UUID, indent+"  ")
	}
	for _, document := range app.Store.ChildDocuments(parent) {
		marker := " "
		if app.Store.Available(document) {
			marker = "*"
		}
		fmt.Printf("%s%s %s\n", indent, marker, document.VisibleName())
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")
	getCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file or directory")
	putCmd.Flags().StringVar(&putParent, "parent", "", "destination collection path")
	rootCmd.AddCommand(authCmd, syncCmd, lsCmd, getCmd, putCmd, rmCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
