/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"database/sql"
	"fmt"
	"log"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/courierhq/courier"
	"github.com/courierhq/courier/database"
)

const schema = "courier"

func migrationSource() migrate.EmbedFileSystemMigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: courier.SQLFiles,
		Root:       "sql",
	}
}

// connect opens the database and makes sure the schema holding the
// migration table exists before sql-migrate looks for it.
func connect(c *courierInstance) (*sql.DB, error) {
	db, err := database.ConnectDB(c.cnf.DataSource.Dns)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + schema); err != nil {
		return nil, err
	}
	migrate.SetSchema(schema)
	return db, nil
}

func migrateCommands(c *courierInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run courier database migrations",
	}

	cmd.AddCommand(migrateUpCommands(c))
	cmd.AddCommand(migrateDownCommands(c))

	return cmd
}

func migrateUpCommands(c *courierInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use: "up",
		Run: func(cmd *cobra.Command, args []string) {
			db, err := connect(c)
			if err != nil {
				log.Fatalf("Error connecting to database: %v", err)
			}

			n, err := migrate.Exec(db, "postgres", migrationSource(), migrate.Up)
			if err != nil {
				log.Fatalf("Error migrating up: %v", err)
			}
			fmt.Printf("Applied %d migrations!\n", n)
		},
	}

	return cmd
}

func migrateDownCommands(c *courierInstance) *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use: "down",
		Run: func(cmd *cobra.Command, args []string) {
			db, err := connect(c)
			if err != nil {
				log.Fatalf("Error connecting to database: %v", err)
			}

			n, err := migrate.ExecMax(db, "postgres", migrationSource(), migrate.Down, steps)
			if err != nil {
				log.Fatalf("Error migrating down: %v", err)
			}
			fmt.Printf("Rolled back %d migrations!\n", n)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back (0 rolls back all)")

	return cmd
}
