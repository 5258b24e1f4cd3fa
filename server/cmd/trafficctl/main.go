// Command trafficctl is an operator CLI for a running trafficiq-server.
//
//	trafficctl status
//	trafficctl report north 12 --image static/north.jpg
//	trafficctl history --direction south --page 2
//	trafficctl reset
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
