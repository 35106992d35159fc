package postgres

import (
	"os"
	"testing"

	"github.com/joho/godotenv"
)

// TestMain runs before all tests in this package
func TestMain(m *testing.M) {
	// Load test environment if present; integration tests skip themselves
	// when no database is configured.
	_ = godotenv.Load(".env.test")

	os.Exit(m.Run())
}
