package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/DominicWuest/toolbisect/pkg/toolbisect"
	"github.com/dchest/uniuri"
	"github.com/phayes/freeport"
	"github.com/sirupsen/logrus"
)

// toolchain is a toolchain waiting to be rated
type toolchain struct {
	id       string
	artifact *toolbisect.Artifact
	present  chan bool
}

// HTTPOracle is an oracle which lets a human, or any other tool, rate toolchains over an HTTP API.
//
// GET /toolchain blocks until a toolchain is ready to be rated and returns its id, commit and environment.
// Once the bisection finished, it returns the report instead.
// POST /isGood/:id marks the toolchain as not exhibiting the regression, POST /isBad/:id as exhibiting it.
type HTTPOracle struct {
	Log *logrus.Entry

	queue chan *toolchain

	mu      sync.Mutex
	waiting map[string]*toolchain

	finishOnce sync.Once
	finished   chan struct{}
	report     *toolbisect.Report

	server   *http.Server
	listener net.Listener
}

// NewHTTPOracle creates an oracle listening on the passed port of localhost.
// A port of 0 picks a free port.
func NewHTTPOracle(port int, log *logrus.Entry) (*HTTPOracle, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if port == 0 {
		var err error
		if port, err = freeport.GetFreePort(); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to get a free port"), err)
		}
	}

	o := newHTTPOracle(log)

	var err error
	o.listener, err = net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to listen on port %d", port), err)
	}
	o.server = &http.Server{Handler: o.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := o.server.Serve(o.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Manual oracle server stopped - %v", err)
		}
	}()
	log.Infof("Waiting for toolchain ratings on http://%s", o.listener.Addr())

	return o, nil
}

func newHTTPOracle(log *logrus.Entry) *HTTPOracle {
	return &HTTPOracle{
		Log:      log,
		queue:    make(chan *toolchain),
		waiting:  make(map[string]*toolchain),
		finished: make(chan struct{}),
	}
}

// Addr returns the address the oracle is listening on
func (o *HTTPOracle) Addr() string {
	if o.listener == nil {
		return ""
	}
	return o.listener.Addr().String()
}

// Evaluate offers the toolchain for rating and blocks until it was rated or ctx is done
func (o *HTTPOracle) Evaluate(ctx context.Context, artifact *toolbisect.Artifact) (bool, error) {
	t := &toolchain{
		id:       uniuri.New(),
		artifact: artifact,
		present:  make(chan bool, 1),
	}

	o.mu.Lock()
	o.waiting[t.id] = t
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waiting, t.id)
		o.mu.Unlock()
	}()

	o.Log.Infof("Toolchain of commit %s is ready to be rated", artifact.Commit.Hash)

	select {
	case o.queue <- t:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case present := <-t.present:
		return present, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Finish publishes the report of the bisection to clients asking for toolchains
func (o *HTTPOracle) Finish(report *toolbisect.Report) {
	o.finishOnce.Do(func() {
		o.report = report
		close(o.finished)
	})
}

// Close stops the server
func (o *HTTPOracle) Close(ctx context.Context) error {
	if o.server == nil {
		return nil
	}
	return o.server.Shutdown(ctx)
}

// rate delivers the rating of a toolchain. It returns false if no toolchain with this id waits for a rating
func (o *HTTPOracle) rate(id string, present bool) bool {
	o.mu.Lock()
	t, found := o.waiting[id]
	if found {
		delete(o.waiting, id)
	}
	o.mu.Unlock()
	if !found {
		return false
	}
	t.present <- present
	return true
}
