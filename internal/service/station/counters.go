package station

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// queueCounters issues queue numbers per mode prefix. Counters only move
// forward for the lifetime of the process so numbers are never reused,
// and they are seeded from the store at startup so a restart cannot
// reissue a number already on some ticket.
type queueCounters struct {
	mu   sync.Mutex
	last map[string]int
}

func newQueueCounters() *queueCounters {
	return &queueCounters{last: make(map[string]int)}
}

func (c *queueCounters) seed(prefix string, last int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last > c.last[prefix] {
		c.last[prefix] = last
	}
}

// allocate returns the next queue number for the prefix, e.g. F3.
func (c *queueCounters) allocate(prefix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[prefix]++
	return fmt.Sprintf("%s%d", prefix, c.last[prefix])
}

// queueSeq extracts the numeric part of a queue number; the fault
// coordinator sorts merged eviction sets by it. Malformed numbers sort
// first.
func queueSeq(queueNumber string) int {
	if len(queueNumber) < 2 {
		return 0
	}
	n, err := strconv.Atoi(queueNumber[1:])
	if err != nil {
		return 0
	}
	return n
}

// billCounter issues per-day bill sequence numbers. The sequence resets
// when the day rolls over; identifiers stay unique because they embed the
// date.
type billCounter struct {
	mu   sync.Mutex
	day  string
	last int
}

func newBillCounter() *billCounter {
	return &billCounter{}
}

func (c *billCounter) seed(day time.Time, last int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := day.Format("20060102")
	if c.day != key {
		c.day = key
		c.last = last
		return
	}
	if last > c.last {
		c.last = last
	}
}

// allocate returns the next sequence for the given day, resetting when the
// day changes.
func (c *billCounter) allocate(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := now.Format("20060102")
	if c.day != key {
		c.day = key
		c.last = 0
	}
	c.last++
	return c.last
}
