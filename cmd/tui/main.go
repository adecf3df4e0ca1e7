package main

import (
	"database/sql"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	_ "github.com/mattn/go-sqlite3"
	"github.com/tidewater/loom/internal/config"
	"github.com/tidewater/loom/internal/tui"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

func main() {
	sqldb, err := sql.Open("sqlite3", config.Core.DBURI)
	if err != nil {
		log.Panicf("opening db failed: %v", err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())

	program := tea.NewProgram(tui.NewModel(db, nil))
	if _, err := program.Run(); err != nil {
		os.Exit(1)
	}
}
