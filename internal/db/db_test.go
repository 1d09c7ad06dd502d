package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

func TestDialector(t *testing.T) {
	cases := map[string]string{
		"postgres://app:pw@localhost:5432/sd?sslmode=disable": "postgres",
		"postgresql://app:pw@localhost/sd":                    "postgres",
		"sqlite:file:sd.db":                                   "sqlite",
		"app:pw@tcp(127.0.0.1:3306)/sd?parseTime=true":        "mysql",
	}
	for dsn, want := range cases {
		assert.Equal(t, want, Dialector(dsn).Name(), dsn)
	}
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	gdb, err := Open("sqlite:file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(gdb))
	// running twice is a no-op
	require.NoError(t, Migrate(gdb))

	for _, table := range []any{&models.User{}, &chat.Conversation{}, &chat.Participant{}, &chat.Message{}, &chat.MessageRead{}, &chat.TypingIndicator{}, &chat.AgentJob{}} {
		assert.True(t, gdb.Migrator().HasTable(table))
	}
}
