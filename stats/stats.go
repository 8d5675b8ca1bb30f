// Package stats collects per-kind element counters for one run and
// reports throughput while the run is in progress.
package stats

import (
	"fmt"
	"time"

	"github.com/osmtools/apidbload/log"
)

type counter struct {
	nodes, ways, relations, changesets int64

	lastReport    time.Time
	lastNodes     int64
	lastWays      int64
	lastRelations int64
}

// Statistics feeds element counts to a reporting goroutine. All Add
// methods are safe to call from the element loop without blocking on
// terminal output.
type Statistics struct {
	nodes      chan int
	ways       chan int
	relations  chan int
	changesets chan int
	done       chan chan counter
}

func NewStatsReporter() *Statistics {
	s := &Statistics{
		nodes:      make(chan int, 16),
		ways:       make(chan int, 16),
		relations:  make(chan int, 16),
		changesets: make(chan int, 16),
		done:       make(chan chan counter),
	}
	go s.loop()
	return s
}

func (s *Statistics) AddNodes(n int)      { s.nodes <- n }
func (s *Statistics) AddWays(n int)       { s.ways <- n }
func (s *Statistics) AddRelations(n int)  { s.relations <- n }
func (s *Statistics) AddChangesets(n int) { s.changesets <- n }

// Stop ends reporting and logs the final totals.
func (s *Statistics) Stop() {
	result := make(chan counter)
	s.done <- result
	c := <-result
	log.Printf("[info] Wrote %d nodes, %d ways, %d relations in %d changesets",
		c.nodes, c.ways, c.relations, c.changesets)
}

func (s *Statistics) loop() {
	c := counter{lastReport: time.Now()}
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case n := <-s.nodes:
			c.nodes += int64(n)
		case n := <-s.ways:
			c.ways += int64(n)
		case n := <-s.relations:
			c.relations += int64(n)
		case n := <-s.changesets:
			c.changesets += int64(n)
		case <-tick.C:
			c.report()
		case result := <-s.done:
			result <- c
			return
		}
	}
}

func (c *counter) report() {
	dur := time.Since(c.lastReport)
	if dur <= 0 {
		return
	}
	rate := func(cur, last int64) string {
		return fmt.Sprintf("%d/s", int64(float64(cur-last)/dur.Seconds()))
	}
	log.Printf("[progress] Nodes: %s (%d) Ways: %s (%d) Relations: %s (%d)",
		rate(c.nodes, c.lastNodes), c.nodes,
		rate(c.ways, c.lastWays), c.ways,
		rate(c.relations, c.lastRelations), c.relations,
	)
	c.lastReport = time.Now()
	c.lastNodes = c.nodes
	c.lastWays = c.ways
	c.lastRelations = c.relations
}
