package main

import (
	"context"
	"fmt"
	"os"

	"github.com/amine-amaach/opcua-bridge/internal/cli"
	ulog "github.com/amine-amaach/opcua-bridge/internal/log"
)

const version = "v1.0.0"

func main() {
	banner := `
              _          _     _            
 _   _  __ _| |__  _ __(_) __| | __ _  ___ 
| | | |/ _' | '_ \| '__| |/ _' |/ _' |/ _ \
| |_| | (_| | |_) | |  | | (_| | (_| |  __/  %s
 \__,_|\__,_|_.__/|_|  |_|\__,_|\__, |\___|
OPC UA Client Bridge            |___/      
`
	fmt.Println(ulog.Colorize(fmt.Sprintf(banner, version), ulog.Cyan))

	if err := cli.NewRootCmd(version).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
