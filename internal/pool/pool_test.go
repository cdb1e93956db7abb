package pool_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/hostpool/go-hostpool/internal/pool"
)

var ctx = context.Background()

var _ = Describe("ConnPool", func() {
	var connPool *pool.ConnPool

	BeforeEach(func() {
		connPool = pool.NewConnPool(&pool.Options{
			Builder:      dummyBuilder,
			MaxOpen:      10,
			BuildTimeout: time.Second,
		})
	})

	AfterEach(func() {
		connPool.Close()
	})

	It("builds a connection for the requested key", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())
		Expect(cn.Key()).To(Equal("https://a:443"))
		Expect(connPool.Len()).To(Equal(1))

		connPool.Put(ctx, cn)
	})

	It("reuses an idle connection for the same key", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())
		connPool.Put(ctx, cn)
		Expect(connPool.IdleLen()).To(Equal(1))

		cn2, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())
		Expect(cn2).To(BeIdenticalTo(cn))
		Expect(connPool.Len()).To(Equal(1))
		Expect(connPool.IdleLen()).To(Equal(0))
		Expect(connPool.Stats().Hits).To(Equal(uint32(1)))

		connPool.Put(ctx, cn2)
	})

	It("does not reuse connections across keys", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())
		connPool.Put(ctx, cn)

		cn2, err := connPool.Get(ctx, "https://b:443")
		Expect(err).NotTo(HaveOccurred())
		Expect(cn2).NotTo(BeIdenticalTo(cn))
		Expect(connPool.Len()).To(Equal(2))

		connPool.Put(ctx, cn2)
	})

	It("drops a stale idle connection instead of delivering it", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())
		connPool.Put(ctx, cn)

		cn.NetConn().(*dummyConn).peerClose()

		cn2, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())
		Expect(cn2).NotTo(BeIdenticalTo(cn))
		Expect(connPool.Stats().StaleConns).To(Equal(uint32(1)))
		Expect(connPool.Len()).To(Equal(1))

		connPool.Put(ctx, cn2)
	})

	It("frees the slot when a connection comes back dead", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())

		cn.NetConn().(*dummyConn).peerClose()
		connPool.Put(ctx, cn)

		Expect(connPool.Len()).To(Equal(0))
		Expect(connPool.IdleLen()).To(Equal(0))
	})

	It("ignores a second release of the same connection", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())

		connPool.Remove(ctx, cn, errors.New("test"))
		connPool.Remove(ctx, cn, errors.New("test"))
		connPool.Put(ctx, cn)

		Expect(connPool.Len()).To(Equal(0))
	})

	It("does not double-decrement when disposing an already-closed connection", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())

		Expect(cn.Close()).NotTo(HaveOccurred())
		connPool.Remove(ctx, cn, errors.New("test"))

		Expect(connPool.Len()).To(Equal(0))
	})

	It("fails acquisitions after shutdown", func() {
		Expect(connPool.Close()).NotTo(HaveOccurred())

		_, err := connPool.Get(ctx, "https://a:443")
		Expect(err).To(MatchError(pool.ErrClosed))
		Expect(connPool.Close()).To(MatchError(pool.ErrClosed))
	})

	It("closes idle connections on shutdown", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())
		cn2, err := connPool.Get(ctx, "https://b:443")
		Expect(err).NotTo(HaveOccurred())
		connPool.Put(ctx, cn)
		connPool.Put(ctx, cn2)

		Expect(connPool.Close()).NotTo(HaveOccurred())
		Expect(connPool.Len()).To(Equal(0))
		Expect(connPool.IdleLen()).To(Equal(0))
		Expect(cn.IsOpen()).To(BeFalse())
		Expect(cn2.IsOpen()).To(BeFalse())
	})

	It("drains a held connection released after shutdown", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())

		Expect(connPool.Close()).NotTo(HaveOccurred())
		Expect(connPool.Len()).To(Equal(1))

		connPool.Put(ctx, cn)
		Expect(connPool.Len()).To(Equal(0))
		Expect(cn.IsOpen()).To(BeFalse())
	})
})

var _ = Describe("ConnPool at capacity", func() {
	var connPool *pool.ConnPool

	BeforeEach(func() {
		connPool = pool.NewConnPool(&pool.Options{
			Builder:      dummyBuilder,
			MaxOpen:      1,
			BuildTimeout: time.Second,
		})
	})

	AfterEach(func() {
		connPool.Close()
	})

	It("evicts an idle connection of another key to make room", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())
		connPool.Put(ctx, cn)

		cn2, err := connPool.Get(ctx, "https://b:443")
		Expect(err).NotTo(HaveOccurred())
		Expect(cn2.Key()).To(Equal("https://b:443"))
		Expect(cn.IsOpen()).To(BeFalse())
		Expect(connPool.Len()).To(Equal(1))
		Expect(connPool.Stats().Evictions).To(Equal(uint32(1)))

		connPool.Put(ctx, cn2)
	})

	It("parks the caller until a connection is released", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())

		done := make(chan *pool.Conn, 1)
		go func() {
			defer GinkgoRecover()

			cn2, err := connPool.Get(ctx, "https://a:443")
			Expect(err).NotTo(HaveOccurred())
			done <- cn2
		}()

		Eventually(connPool.WaitingLen).Should(Equal(1))

		// Check that Get is blocked.
		select {
		case <-done:
			Fail("Get is not blocked")
		default:
			// ok
		}

		connPool.Put(ctx, cn)

		var cn2 *pool.Conn
		select {
		case cn2 = <-done:
			// ok
		case <-time.After(time.Second):
			Fail("Get is not unblocked")
		}

		Expect(cn2).To(BeIdenticalTo(cn))
		Expect(connPool.Len()).To(Equal(1))
		connPool.Put(ctx, cn2)
	})

	It("serves waiters for one key in arrival order", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())

		const waiters = 5
		order := make(chan int, waiters)
		var wg sync.WaitGroup
		for i := 0; i < waiters; i++ {
			wg.Add(1)
			go func(id int) {
				defer GinkgoRecover()
				defer wg.Done()

				cn, err := connPool.Get(ctx, "https://a:443")
				Expect(err).NotTo(HaveOccurred())
				order <- id
				connPool.Put(ctx, cn)
			}(i)
			Eventually(connPool.WaitingLen).Should(Equal(i + 1))
		}

		connPool.Put(ctx, cn)
		wg.Wait()
		close(order)

		var got []int
		for id := range order {
			got = append(got, id)
		}
		Expect(got).To(Equal([]int{0, 1, 2, 3, 4}))
	})

	It("abandons the wait when the caller's context expires", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())

		timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		_, err = connPool.Get(timeoutCtx, "https://a:443")
		Expect(err).To(MatchError(context.DeadlineExceeded))

		// The canceled waiter must not swallow the released connection.
		connPool.Put(ctx, cn)
		Expect(connPool.IdleLen()).To(Equal(1))
		Expect(connPool.WaitingLen()).To(Equal(0))
	})

	It("fails pending waiters on shutdown", func() {
		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())

		done := make(chan error, 1)
		go func() {
			defer GinkgoRecover()

			_, err := connPool.Get(ctx, "https://a:443")
			done <- err
		}()

		Eventually(connPool.WaitingLen).Should(Equal(1))
		Expect(connPool.Close()).NotTo(HaveOccurred())

		select {
		case err := <-done:
			Expect(err).To(MatchError(pool.ErrClosed))
		case <-time.After(time.Second):
			Fail("waiter was not failed on shutdown")
		}

		connPool.Put(ctx, cn)
		Expect(connPool.Len()).To(Equal(0))
	})
})

var _ = Describe("ConnPool build failures", func() {
	It("retries with a replacement build while demand remains", func() {
		var mu sync.Mutex
		attempts := 0
		builder := func(context.Context, string) (net.Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return nil, errors.New("handshake failed")
			}
			return newDummyConn(), nil
		}

		connPool := pool.NewConnPool(&pool.Options{
			Builder:      builder,
			MaxOpen:      1,
			BuildTimeout: time.Second,
		})
		defer connPool.Close()

		cn, err := connPool.Get(ctx, "https://a:443")
		Expect(err).NotTo(HaveOccurred())
		Expect(connPool.Stats().BuildErrors).To(Equal(uint32(1)))
		Expect(connPool.Len()).To(Equal(1))

		connPool.Put(ctx, cn)
	})
})

var _ = Describe("race", func() {
	var connPool *pool.ConnPool

	var C, N = 10, 1000
	if testing.Short() {
		C = 4
		N = 100
	}

	keys := []string{"https://a:443", "https://b:443", "http://c:80"}

	BeforeEach(func() {
		connPool = pool.NewConnPool(&pool.Options{
			Builder:      dummyBuilder,
			MaxOpen:      10,
			BuildTimeout: time.Second,
		})
	})

	AfterEach(func() {
		connPool.Close()
	})

	It("does not happen", func() {
		perform(C, func(id int) {
			for i := 0; i < N; i++ {
				cn, err := connPool.Get(ctx, keys[i%len(keys)])
				if err == nil {
					connPool.Put(ctx, cn)
				}
			}
		}, func(id int) {
			for i := 0; i < N; i++ {
				cn, err := connPool.Get(ctx, keys[i%len(keys)])
				if err == nil {
					connPool.Remove(ctx, cn, errors.New("test"))
				}
			}
		})

		Expect(connPool.Len()).To(BeNumerically("<=", 10))
		Expect(connPool.Len()).To(BeNumerically(">=", 0))
	})
})
