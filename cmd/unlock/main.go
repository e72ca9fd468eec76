// Command unlock is the operator tool for target claims. Claims have no
// expiry, so after a crashed worker or a fatal failure someone has to decide
// the target is safe to retry and release the claim by hand.
//
// Usage:
//
//	unlock --list
//	unlock --target 2233445566
//	unlock --target stream:99887766
//
// Environment:
//
//	DB_DSN  Database connection string (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Brisppy/twitch-archiver/vod"
)

func main() {
	list := flag.Bool("list", false, "list held claims and exit")
	target := flag.String("target", "", "target id to force-release (VOD id or stream:<id>)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if !*list && *target == "" {
		flag.Usage()
		os.Exit(2)
	}

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN is required")
		os.Exit(1)
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to open database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if *list {
		locks, err := vod.ListLocks(ctx, database)
		if err != nil {
			slog.Error("failed to list claims", slog.Any("err", err))
			os.Exit(1)
		}
		if len(locks) == 0 {
			fmt.Println("no claims held")
			return
		}
		for id, owner := range locks {
			fmt.Printf("%s\t%s\n", id, owner)
		}
		return
	}

	released, err := vod.ForceReleaseLock(ctx, database, *target)
	if err != nil {
		slog.Error("failed to release claim", slog.String("target", *target), slog.Any("err", err))
		os.Exit(1)
	}
	if !released {
		fmt.Printf("no claim held for %s\n", *target)
		os.Exit(1)
	}
	fmt.Printf("claim released for %s\n", *target)
}
