package processor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	Reload   = "reload"
	Shutdown = "shutdown"
)

// Processor runs registered operations on SIGHUP (reload) and
// SIGINT/SIGTERM (shutdown), force-exiting if shutdown stalls.
type Processor struct {
	ForceShutdownTimeout time.Duration
	rChan                chan os.Signal
	shutOps              map[string]func() error
	reloadOps            map[string]func() error
	wg                   sync.WaitGroup
	log                  *zap.SugaredLogger
}

// New - creates new processor
func New(timeout time.Duration, log *zap.SugaredLogger) *Processor {
	return &Processor{
		ForceShutdownTimeout: timeout,
		rChan:                make(chan os.Signal),
		shutOps:              map[string]func() error{},
		reloadOps:            map[string]func() error{},
		log:                  log,
	}
}

// Run assigns signals and starts processing
func (p *Processor) Run() error {
	p.spinup()
	return nil
}

func (p *Processor) spinup() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	signal.Notify(p.rChan, syscall.SIGHUP)
	ctxReload, cancel := context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.processReloadSignal(ctxReload, stop)
	go p.processStopSignal(ctx, cancel)
}

// processReloadSignal runs all operations registered for Reload
func (p *Processor) processReloadSignal(ctx context.Context, cancel context.CancelFunc) {
	p.wg.Add(1)
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.log.Infof("shutdown reload")
			cancel() // cancel processStopSignal routine
			return
		case <-p.rChan:
			p.callProcess(p.reloadOps, Reload)
			signal.Reset(syscall.SIGHUP)
		}
	}
}

// processStopSignal runs the shutdown set, force-exiting after
// ForceShutdownTimeout so a stuck handle lock cannot wedge the node
func (p *Processor) processStopSignal(ctx context.Context, cancel context.CancelFunc) {
	defer p.wg.Done()
	<-ctx.Done()
	tF := time.AfterFunc(p.ForceShutdownTimeout, func() {
		p.log.Warnf("timeout %d ms has been elapsed, force exit, store may need a records restore", p.ForceShutdownTimeout.Milliseconds())
		os.Exit(0)
	})
	defer tF.Stop()
	p.Shutdown()
	cancel() // cancel processReloadSignal
}

// callProcess executes every operation registered for process
func (p *Processor) callProcess(oper map[string]func() error, process string) {
	var wg sync.WaitGroup
	for key, op := range oper {
		wg.Add(1)
		oper := key
		operCall := op
		go func() {
			defer wg.Done()
			if err := operCall(); err != nil {
				p.log.Warnf("%s %s: failed (%s)", process, oper, err.Error())
				return
			}
			p.log.Infof("%s %s: succeeded", process, oper)
		}()
	}
	wg.Wait()
	p.log.Infof("%s sequence completed", process)
}

// Register registers a shutdown or reload operation
func (p *Processor) Register(process, operationName string, operationFunction func() error) error {
	switch process {
	case Shutdown:
		p.shutOps[operationName] = operationFunction
	case Reload:
		p.reloadOps[operationName] = operationFunction
	default:
		return fmt.Errorf("%s process unknown", process)
	}
	return nil
}

// Shutdown - runs all shutdown operations
func (p *Processor) Shutdown() {
	p.callProcess(p.shutOps, Shutdown)
}

func (p *Processor) Wait() {
	p.wg.Wait()
}
