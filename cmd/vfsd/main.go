// Command vfsd runs the VFS broker daemon, serving clients and accepting
// backend registrations on one TCP service address.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang/glog"

	"github.com/dusxmt/vfsbroker/pkg/broker"
	"github.com/dusxmt/vfsbroker/pkg/clientapi"
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
	tcpAddr string
)

func init() {
	flag.StringVar(&tcpAddr, "tcp", "0.0.0.0:1119", "`addr` specifies the TCP address for the VFS broker service")
}

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), `
This is the VFS broker daemon, all options:

`)
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), `
Simple usage:

 %s [ -tcp <service-addr> ]

`, os.Args[0])
	}
	flag.Parse()

	b := broker.NewBroker()
	if err := clientapi.ServeTCP(b, tcpAddr); err != nil {
		fmt.Printf("Error serving VFS broker at [%s]: %+v", tcpAddr, err)
		os.Exit(3)
	}
}
