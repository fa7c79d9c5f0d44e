// Command vfsbackend runs a backend filesystem daemon and registers it with
// a VFS broker: either a localfs backend serving a real directory tree, or
// an in-memory tmpfs-style backend for scratch mounts.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/golang/glog"

	"github.com/dusxmt/vfsbroker/pkg/backend"
	"github.com/dusxmt/vfsbroker/pkg/backend/localfs"
	"github.com/dusxmt/vfsbroker/pkg/backend/memfs"
	"github.com/dusxmt/vfsbroker/pkg/wire"
)

func init() {
	// change glog default destination to stderr
	if glog.V(0) { // should always be true, mention glog so it defines its flags before we change them
		if err := flag.CommandLine.Set("logtostderr", "true"); nil != err {
			log.Printf("Failed changing glog default destination, err: %s", err)
		}
	}
}

var (
	brokerAddr string
	fsName     string
	instance   uint
)

func init() {
	flag.StringVar(&brokerAddr, "broker", "127.0.0.1:1119", "`addr` of the VFS broker to register with")
	flag.StringVar(&fsName, "fs", "localfs", "filesystem `name` to register as (localfs or tmpfs)")
	flag.UintVar(&instance, "instance", 0, "instance `number` to register as")
}

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), `
This is a VFS backend daemon, all options:

`)
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), `
Simple usage:

 %s [ -broker <broker-addr> ] -fs localfs <export-root>
 %s [ -broker <broker-addr> ] -fs tmpfs

`, os.Args[0], os.Args[0])
	}
	flag.Parse()

	var b backend.Backend
	switch fsName {
	case "tmpfs":
		b = memfs.New(0)
	case "localfs":
		if flag.NArg() != 1 {
			flag.Usage()
			os.Exit(1)
		}
		sharedRoot := flag.Args()[0]
		absRoot, err := filepath.Abs(sharedRoot)
		if err != nil {
			fmt.Printf("Error with [%s] as root to share: %+v", sharedRoot, err)
			os.Exit(2)
		}
		if fi, err := os.Stat(absRoot); err != nil || !fi.IsDir() {
			fmt.Printf("Not a shareable directory: [%s]", absRoot)
			os.Exit(2)
		}
		lb := localfs.New(0)
		lb.SetExportRoot(absRoot)
		b = lb
	default:
		fmt.Printf("Unknown filesystem name [%s]", fsName)
		os.Exit(1)
	}

	if err := wire.ServeBrokerTCP(b, fsName, uint32(instance), brokerAddr); err != nil {
		fmt.Printf("Error serving %s#%d backend against broker [%s]: %+v",
			fsName, instance, brokerAddr, err)
		os.Exit(3)
	}
}
