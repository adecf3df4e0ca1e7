package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tidewater/loom/internal/config"
	"github.com/tidewater/loom/internal/models"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

func main() {
	sqldb, err := sql.Open("sqlite3", config.Core.DBURI)
	if err != nil {
		log.Panicf("opening db failed: %v", err)
	}

	ctx := context.Background()
	db := bun.NewDB(sqldb, sqlitedialect.New())

	must(db.NewCreateTable().Model(&models.Thread{}).IfNotExists().Exec(ctx))
	must(db.NewCreateTable().Model(&models.Message{}).IfNotExists().Exec(ctx))
	must(db.NewCreateTable().Model(&models.Subscription{}).IfNotExists().Exec(ctx))
	must(db.NewCreateTable().Model(&models.Notification{}).IfNotExists().Exec(ctx))
	slog.Info("created tables")
}

func must(result sql.Result, err error) sql.Result {
	if err != nil {
		log.Panicf("could not run query: %v", err)
	}
	return result
}
