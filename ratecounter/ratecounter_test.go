package ratecounter

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestCounter_EmptyIsZero(t *testing.T) {
	c := New(clock.NewMock(), DefaultWindow)

	assert.Equal(t, int64(0), c.Sum())
	assert.Equal(t, int64(0), c.ProjectedRate())
}

func TestCounter_ProjectsBeforeWindowFills(t *testing.T) {
	mock := clock.NewMock()
	c := New(mock, DefaultWindow)

	c.Add(10)
	assert.Equal(t, int64(600), c.ProjectedRate(), "one second of data extrapolates to a minute")

	mock.Add(10 * time.Second)
	c.Add(10)
	assert.Equal(t, int64(20), c.Sum())
	assert.Equal(t, int64(120), c.ProjectedRate())
}

func TestCounter_ReportsWindowedSumOnceFull(t *testing.T) {
	mock := clock.NewMock()
	c := New(mock, DefaultWindow)

	c.Add(10)
	mock.Add(10 * time.Second)
	c.Add(10)

	mock.Add(49 * time.Second)
	assert.Equal(t, int64(20), c.Sum())
	assert.Equal(t, int64(20), c.ProjectedRate())

	mock.Add(6 * time.Second)
	assert.Equal(t, int64(10), c.Sum(), "first sample aged out")
	assert.Equal(t, int64(10), c.ProjectedRate())

	mock.Add(time.Minute)
	assert.Equal(t, int64(0), c.ProjectedRate(), "stalled counter decays to zero")
}

func TestCounter_ReusesBucketsAcrossWindow(t *testing.T) {
	mock := clock.NewMock()
	c := New(mock, DefaultWindow)

	c.Add(7)
	mock.Add(10 * time.Second)
	c.Add(10)
	mock.Add(50 * time.Second)
	c.Add(5)

	assert.Equal(t, int64(15), c.Sum())
}

func TestCounter_ScalesShortWindowsToMinute(t *testing.T) {
	mock := clock.NewMock()
	c := New(mock, 10*time.Second)

	c.Add(5)
	mock.Add(20 * time.Second)
	c.Add(5)

	assert.Equal(t, int64(5), c.Sum())
	assert.Equal(t, int64(30), c.ProjectedRate())
}

func TestCounter_ConcurrentAdds(t *testing.T) {
	c := New(clock.NewMock(), DefaultWindow)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(800), c.Sum())
}
