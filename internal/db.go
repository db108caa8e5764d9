package database

import (
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
)

// DB holds the shared connection pool to the chat datastore.
var DB *sqlx.DB

// Connect initializes the datastore connection from the environment, loading
// a local .env file first when present.
func Connect() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("Warning: could not load .env file:", err)
	}

	dbHost := os.Getenv("FLUX_DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}
	dbPort := os.Getenv("FLUX_DB_PORT")
	if dbPort == "" {
		dbPort = "5432"
	}
	dbUser := os.Getenv("FLUX_DB_USER")
	if dbUser == "" {
		dbUser = "fluxchat"
	}
	dbPassword := os.Getenv("FLUX_DB_PASSWORD")
	if dbPassword == "" {
		log.Fatal("FATAL: FLUX_DB_PASSWORD environment variable is not set")
	}
	dbName := os.Getenv("FLUX_DB_NAME")
	if dbName == "" {
		dbName = "fluxchat"
	}
	dbSSLMode := os.Getenv("FLUX_DB_SSLMODE")
	if dbSSLMode == "" {
		dbSSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		dbHost, dbPort, dbUser, dbPassword, dbName, dbSSLMode)

	db, err := sqlx.Connect("pgx", connStr)
	if err != nil {
		log.Fatalf("FATAL: unable to connect to database: %v\n", err)
	}
	DB = db
	log.Println("Connected to the chat datastore")
}
