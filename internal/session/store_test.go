package session_test

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"procodus.dev/sensorhub/internal/session"
)

func openSQLite() *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	Expect(err).NotTo(HaveOccurred())

	sqlDB, err := db.DB()
	Expect(err).NotTo(HaveOccurred())
	sqlDB.SetMaxOpenConns(1)
	DeferCleanup(sqlDB.Close)

	return db
}

// storeContract runs the same expectations against every Store.
func storeContract(newStore func() session.Store) {
	var (
		ctx context.Context
		st  session.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		st = newStore()
	})

	live := func(id string) *session.Session {
		now := time.Now().UTC().Truncate(time.Second)
		return &session.Session{ID: id, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	}

	It("should return a created session", func() {
		Expect(st.Create(ctx, live("a"))).To(Succeed())

		got, err := st.Get(ctx, "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.ID).To(Equal("a"))
		Expect(got.ExpiresAt).To(BeTemporally("~", time.Now().Add(time.Hour), 2*time.Second))
	})

	It("should report unknown sessions as not found", func() {
		_, err := st.Get(ctx, "missing")
		Expect(err).To(MatchError(session.ErrNotFound))
	})

	It("should forget deleted sessions", func() {
		Expect(st.Create(ctx, live("a"))).To(Succeed())
		Expect(st.Delete(ctx, "a")).To(Succeed())

		_, err := st.Get(ctx, "a")
		Expect(err).To(MatchError(session.ErrNotFound))
	})

	It("should hide expired sessions", func() {
		past := time.Now().UTC().Add(-2 * time.Hour)
		Expect(st.Create(ctx, &session.Session{ID: "old", CreatedAt: past, ExpiresAt: past.Add(time.Hour)})).To(Succeed())

		_, err := st.Get(ctx, "old")
		Expect(err).To(MatchError(session.ErrNotFound))
	})

	It("should purge only expired sessions", func() {
		past := time.Now().UTC().Add(-2 * time.Hour)
		Expect(st.Create(ctx, &session.Session{ID: "old", CreatedAt: past, ExpiresAt: past.Add(time.Hour)})).To(Succeed())
		Expect(st.Create(ctx, live("fresh"))).To(Succeed())

		n, err := st.DeleteExpired(ctx, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(1)))

		_, err = st.Get(ctx, "fresh")
		Expect(err).NotTo(HaveOccurred())
	})
}

var _ = Describe("MemoryStore", func() {
	storeContract(func() session.Store { return session.NewMemoryStore() })
})

var _ = Describe("GormStore", func() {
	storeContract(func() session.Store {
		st, err := session.NewGormStore(context.Background(), openSQLite())
		Expect(err).NotTo(HaveOccurred())
		return st
	})

	It("should reject a nil database", func() {
		_, err := session.NewGormStore(context.Background(), nil)
		Expect(err).To(MatchError(ContainSubstring("database cannot be nil")))
	})
})
