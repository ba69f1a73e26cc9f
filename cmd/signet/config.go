package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var saveConfig = &cli.Command{
	Name:  "saveconfig",
	Usage: "write the current relays, timeouts and log level to the configuration file",
	Action: func(c *cli.Context) (err error) {
		e := getEnv(c)
		if err = e.cfg.Save(e.cfg.Path()); err != nil {
			return
		}
		fmt.Println(e.cfg.Path())
		return
	},
}
