//go:build integration

package integration

import (
	"context"
	"net"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/api"
	"github.com/eliteGoblin/focusd/app_lock/internal/crypto"
	"github.com/eliteGoblin/focusd/app_lock/internal/daemon"
	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
	"github.com/eliteGoblin/focusd/app_lock/internal/infra"
	"github.com/eliteGoblin/focusd/app_lock/internal/usecase"
	"github.com/eliteGoblin/focusd/app_lock/test/fixtures"
)

const selfPackage = "com.focusd.applock"

// freeAddr returns a loopback address nobody listens on.
func freeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := ln.Addr().String()
	Expect(ln.Close()).To(Succeed())
	return addr
}

var _ = Describe("Monitor daemon", func() {
	var (
		tmpDir  string
		device  *fixtures.FakeDevice
		store   *infra.Store
		window  *infra.HeadlessWindow
		monitor *daemon.Monitor
		client  *api.Client
		cancel  context.CancelFunc
		done    chan error
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "applock-integration-*")
		Expect(err).NotTo(HaveOccurred())

		device = fixtures.NewFakeDevice(tmpDir)
		Expect(device.Create()).To(Succeed())

		logger := zap.NewNop()
		key, err := infra.EnsureKey(infra.NewFileKeyProvider(tmpDir))
		Expect(err).NotTo(HaveOccurred())
		store, err = infra.NewStore(tmpDir, key, infra.NewProcessManager(), logger)
		Expect(err).NotTo(HaveOccurred())

		detector := usecase.NewForegroundDetector(
			infra.NewDumpsysUsageSource([]string{device.ScriptPath()}, logger),
			nil,
			usecase.DefaultForegroundOptions(),
			logger,
		)
		cache := usecase.NewLockedCache(store, logger)
		hasher := crypto.NewHasher(crypto.Params{Time: 1, Memory: 1024, Threads: 1, SaltLen: 16, KeyLen: 32})
		passwords := usecase.NewPasswordService(store, hasher, 3, logger)

		var m *daemon.Monitor
		sink := daemon.CommandSinkFunc(func(ctx context.Context, c domain.LockCommand) error {
			return m.Submit(ctx, c)
		})
		alarms := daemon.NewAlarmScheduler(store, store, sink, logger)
		emergency := usecase.NewEmergencyUnlocker(store, store, alarms, time.Hour, logger)

		window = infra.NewHeadlessWindow(logger)
		presenter := daemon.NewOverlayPresenter(window, passwords, emergency, logger)
		controller := usecase.NewLockController(detector, cache, presenter, selfPackage, logger)

		cfg := daemon.DefaultMonitorConfig()
		cfg.PollInterval = 20 * time.Millisecond
		m = daemon.NewMonitor(cfg, daemon.MonitorDeps{
			Controller: controller,
			Cache:      cache,
			Presenter:  presenter,
			Alarms:     alarms,
			Emergency:  emergency,
			Apps:       store,
			Registry:   store,
		}, domain.Daemon{PID: os.Getpid(), Role: domain.RoleMonitor, StartedAt: time.Now(), AppVersion: "it"}, logger)
		monitor = m

		addr := freeAddr()
		server := api.NewServer(api.Deps{
			Apps:      store,
			Passwords: passwords,
			Alarms:    alarms,
			Commands:  monitor,
			Screen:    presenter,
			Emergency: emergency,
			Status:    monitor,
		}, logger)
		monitor.AddService("api", func(ctx context.Context) error { return server.Serve(ctx, addr) })
		client = api.NewClient("http://" + addr)

		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() { done <- monitor.Run(ctx) }()

		Eventually(func() error { return client.Health(ctx) }).
			WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).Should(Succeed())

		Expect(client.SetPassword(ctx, "", "1234")).To(Succeed())
	})

	AfterEach(func() {
		cancel()
		Eventually(done).WithTimeout(5 * time.Second).Should(Receive())
		store.Close()
		os.RemoveAll(tmpDir)
	})

	lockedFor := func() string {
		if v := window.Current(); v != nil {
			return v.PackageName()
		}
		return ""
	}

	Describe("foreground locking", func() {
		BeforeEach(func() {
			Expect(client.LockApp(ctx, "com.bank", "Bank")).To(Succeed())
			Eventually(func() int {
				st, err := client.Status(ctx)
				if err != nil {
					return -1
				}
				return st.LockedCount
			}).WithTimeout(2 * time.Second).Should(Equal(1))
		})

		Context("when a locked app comes to the foreground", func() {
			It("should cover it with the lock screen", func() {
				Expect(device.Open("com.bank")).To(Succeed())
				Eventually(lockedFor).WithTimeout(3 * time.Second).Should(Equal("com.bank"))
			})

			It("should stay unlocked after the correct password until the user leaves", func() {
				Expect(device.Open("com.bank")).To(Succeed())
				Eventually(lockedFor).WithTimeout(3 * time.Second).Should(Equal("com.bank"))

				ok, err := client.Submit(ctx, "0000", domain.UnlockNormal)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeFalse())
				Expect(lockedFor()).To(Equal("com.bank"))

				ok, err = client.Submit(ctx, "1234", domain.UnlockNormal)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())
				Expect(lockedFor()).To(BeEmpty())

				Consistently(lockedFor).WithTimeout(200 * time.Millisecond).Should(BeEmpty())

				Expect(device.Open("com.launcher")).To(Succeed())
				Eventually(func() []string {
					st, _ := client.Status(ctx)
					return st.UnlockedInSession
				}).WithTimeout(3 * time.Second).Should(BeEmpty())

				Expect(device.Open("com.bank")).To(Succeed())
				Eventually(lockedFor).WithTimeout(3 * time.Second).Should(Equal("com.bank"))
			})
		})

		Context("when an unlocked app comes to the foreground", func() {
			It("should not show the lock screen", func() {
				Expect(device.Open("com.notes")).To(Succeed())
				Eventually(func() string {
					st, _ := client.Status(ctx)
					return st.ForegroundPackage
				}).WithTimeout(3 * time.Second).Should(Equal("com.notes"))
				Expect(lockedFor()).To(BeEmpty())
			})
		})

		Context("when usage access is denied", func() {
			It("should keep running without locking", func() {
				Expect(device.DenyAccess()).To(Succeed())
				Consistently(lockedFor).WithTimeout(300 * time.Millisecond).Should(BeEmpty())
				Expect(client.Health(ctx)).To(Succeed())
			})
		})
	})

	Describe("emergency unlock", func() {
		It("should suspend every lock and restore the same set on relock", func() {
			Expect(client.LockApp(ctx, "com.bank", "Bank")).To(Succeed())
			Expect(client.LockApp(ctx, "com.mail", "Mail")).To(Succeed())
			Expect(client.SetEmergencyPassword(ctx, "1234", "9999")).To(Succeed())

			Expect(device.Open("com.bank")).To(Succeed())
			Eventually(lockedFor).WithTimeout(3 * time.Second).Should(Equal("com.bank"))

			ok, err := client.Submit(ctx, "9999", domain.UnlockEmergency)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(lockedFor()).To(BeEmpty())

			apps, err := client.ListApps(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(apps).To(BeEmpty())

			em, err := client.Emergency(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(em.Active).To(BeTrue())

			Expect(client.Relock(ctx)).To(Succeed())
			apps, err = client.ListApps(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(apps).To(HaveLen(2))
		})
	})

	Describe("temporary allow", func() {
		It("should lock the app again when the time is up", func() {
			Expect(client.LockApp(ctx, "com.game", "Game")).To(Succeed())

			_, err := client.Allow(ctx, "com.game", "Game", 300*time.Millisecond, "1234")
			Expect(err).NotTo(HaveOccurred())

			locked, err := store.IsAppLocked(ctx, "com.game")
			Expect(err).NotTo(HaveOccurred())
			Expect(locked).To(BeFalse())

			Eventually(func() bool {
				locked, _ := store.IsAppLocked(ctx, "com.game")
				return locked
			}).WithTimeout(3 * time.Second).Should(BeTrue())

			Eventually(func() ([]domain.Alarm, error) {
				return store.ListAlarms(ctx)
			}).WithTimeout(3 * time.Second).Should(BeEmpty())
		})

		It("should refuse without the password", func() {
			_, err := client.Allow(ctx, "com.game", "Game", time.Minute, "nope")
			Expect(err).To(MatchError(domain.ErrIncorrectPassword))
		})
	})
})

var _ = Describe("Encrypted store", func() {
	var tmpDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "applock-store-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	It("should keep locked apps across restarts with the same key", func() {
		ctx := context.Background()
		key, err := infra.EnsureKey(infra.NewFileKeyProvider(tmpDir))
		Expect(err).NotTo(HaveOccurred())

		s, err := infra.NewStore(tmpDir, key, infra.NewProcessManager(), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		Expect(s.LockApp(ctx, "com.bank", "Bank")).To(Succeed())
		Expect(s.Close()).To(Succeed())

		again, err := infra.EnsureKey(infra.NewFileKeyProvider(tmpDir))
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(Equal(key))

		s, err = infra.NewStore(tmpDir, again, infra.NewProcessManager(), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		locked, err := s.IsAppLocked(ctx, "com.bank")
		Expect(err).NotTo(HaveOccurred())
		Expect(locked).To(BeTrue())
	})

	It("should refuse a different key", func() {
		key, err := infra.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		s, err := infra.NewStore(tmpDir, key, infra.NewProcessManager(), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		Expect(s.LockApp(context.Background(), "com.bank", "Bank")).To(Succeed())
		Expect(s.Close()).To(Succeed())

		other, err := infra.GenerateKey()
		Expect(err).NotTo(HaveOccurred())
		_, err = infra.NewStore(tmpDir, other, infra.NewProcessManager(), zap.NewNop())
		Expect(err).To(HaveOccurred())
	})
})
