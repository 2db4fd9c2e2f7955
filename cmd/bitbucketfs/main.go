// Command bitbucketfs is the thin entrypoint that loads configuration,
// builds the shared core, and starts the channel's fast-path server.
// Per §1, parsing FUSE-mount-specific flags, daemonizing, and actually
// performing the mount syscall are out of scope; wiring a
// github.com/hanwen/go-fuse/v2/fuse.Server to internal/dispatch.Server
// is left to the external mount front end this binary is paired with.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fsgeek/bitbucket/internal/blog"
	"github.com/fsgeek/bitbucket/internal/channel"
	"github.com/fsgeek/bitbucket/internal/config"
	"github.com/fsgeek/bitbucket/internal/core"
	"github.com/fsgeek/bitbucket/internal/dispatch"
	"github.com/fsgeek/bitbucket/internal/inode"
)

var configPath string
var socketPath string

func main() {
	cmd := &cobra.Command{
		Use:   "bitbucketfs",
		Short: "bitbucket in-memory filesystem server",
		RunE:  run,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&socketPath, "socket", "/tmp/bitbucket.sock", "rendezvous socket for the fast-path channel")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	opts, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := blog.New(blog.Config{Path: opts.LogFile, Level: opts.LogLevel})
	defer log.Sync()

	tbl := inode.NewTable(opts.InodeTableSize)
	tbl.CreateRoot()

	c := core.New(tbl, core.Options{
		EnableFsync:    opts.EnableFsync,
		EnableFlush:    opts.EnableFlush,
		EnableXattr:    opts.EnableXattr,
		VerifyDirs:     opts.VerifyDirectories,
		AttrTimeoutSec: opts.AttributeTimeout.Seconds(),
	}, log)

	d := dispatch.New(c, log)

	region := channel.NewRegion()
	reg := channel.NewRegistry()
	reg.Register("default", region)

	listener, err := channel.Listen(socketPath, reg)
	if err != nil {
		return err
	}
	defer listener.Close()

	srv := channel.NewServer(region, d, 4, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("bitbucketfs ready", "socket", socketPath)
	return srv.Serve(ctx)
}
