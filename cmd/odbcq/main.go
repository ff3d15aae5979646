package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/agnosticeng/panicsafe"
	"github.com/agnosticeng/slogcli"
	"github.com/urfave/cli/v2"
	"github.com/yggai/ygggo_odbc"
	"github.com/yggai/ygggo_odbc/cmd/odbcq/poolstats"
	"github.com/yggai/ygggo_odbc/cmd/odbcq/query"
)

func main() {
	app := cli.App{
		Name:    "odbcq",
		Usage:   "run statements and inspect pools through ygggo_odbc",
		Version: ygggo_odbc.Version(),
		Flags:   slogcli.SlogFlags(),
		Before:  slogcli.SlogBefore,
		Commands: []*cli.Command{
			query.Command(),
			poolstats.Command(),
		},
	}

	var err = panicsafe.Recover(func() error { return app.Run(os.Args) })

	if err != nil {
		slog.Error(fmt.Sprintf("%v", err))
		os.Exit(1)
	}
}
