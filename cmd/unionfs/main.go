// Command unionfs serves a stacked union of host directories over NFS so it
// can be mounted by the host kernel or any NFSv3 client.
//
//	unionfs serve -o dirs=/upper:/base=ro --listen :20490
//	mount -o port=20490,mountport=20490,tcp,vers=3 localhost:/ /mnt/union
package main

import (
	"fmt"
	"net"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"

	unionfs "github.com/unionfs-go/unionfs"
)

var (
	flagOptions string
	flagListen  string
	flagVerbose bool
	flagHandles int
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "unionfs",
		Short:         "stackable union filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVarP(&flagOptions, "options", "o", "", "mount options (dirs=dir[=ro|=rw]:dir...)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "serve the union over NFS",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&flagListen, "listen", ":20490", "TCP address for the NFS server")
	serve.Flags().IntVar(&flagHandles, "handle-cache", 65536, "number of NFS file handles to cache")
	root.AddCommand(serve)

	branches := &cobra.Command{
		Use:   "branches",
		Short: "parse the option string and print the branch table",
		RunE:  runBranches,
	}
	root.AddCommand(branches)

	return root
}

func mountFromFlags() (*unionfs.UnionFS, error) {
	if flagOptions == "" {
		return nil, fmt.Errorf("missing -o dirs=... option")
	}
	return unionfs.MountCommandLine(flagOptions)
}

func runBranches(cmd *cobra.Command, args []string) error {
	u, err := mountFromFlags()
	if err != nil {
		return err
	}
	defer u.Close()
	for i, spec := range u.Branches() {
		fmt.Fprintf(os.Stdout, "%3d  %-3s  %s\n", i, spec.Mode, spec.Dir)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	u, err := mountFromFlags()
	if err != nil {
		return err
	}
	defer u.Close()

	if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}

	listener, err := net.Listen("tcp", flagListen)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	billyFS := unionfs.NewBillyAdapter(u)
	handler := nfshelper.NewNullAuthHandler(billyFS)
	cacheHelper := nfshelper.NewCachingHandler(handler, flagHandles)

	log.Infof("unionfs: serving NFS on %s", listener.Addr())
	server := &nfs.Server{Handler: cacheHelper}
	return server.Serve(listener)
}
