// Command netdev runs commands and NETCONF requests against the devices of an inventory file.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
