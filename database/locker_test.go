package database

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"
)

// testDB opens a fresh pool, which Postgres sees as separate sessions from
// any other pool, as two server processes would be.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("CTF_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CTF_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAdvisoryLockerExcludesOtherSessions(t *testing.T) {
	ctx := context.Background()
	a := NewAdvisoryLocker(testDB(t), nil)
	b := NewAdvisoryLocker(testDB(t), nil)

	unlock, err := a.Lock(ctx, "web-1")
	if err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := b.Lock(short, "web-1"); err == nil {
		t.Fatal("second session took a held lock")
	}

	other, err := b.Lock(ctx, "web-2")
	if err != nil {
		t.Fatalf("independent key: %v", err)
	}
	other()

	unlock()
	again, err := b.Lock(ctx, "web-1")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
}

func TestAdvisoryLockerSerializesAcrossPools(t *testing.T) {
	ctx := context.Background()
	lockers := []*AdvisoryLocker{
		NewAdvisoryLocker(testDB(t), nil),
		NewAdvisoryLocker(testDB(t), nil),
	}

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock, err := lockers[i%2].Lock(ctx, "web-1")
			if err != nil {
				t.Error(err)
				return
			}
			defer unlock()
			v := counter
			time.Sleep(time.Millisecond)
			counter = v + 1
		}(i)
	}
	wg.Wait()

	if counter != 20 {
		t.Fatalf("counter = %d, want 20", counter)
	}
}
