// Package storage exposes one SD host controller as a capability service:
// a single worker goroutine owns the driver, control verbs are enqueued
// without blocking, and card state is published over the message bus.
package storage

import (
	"context"
	"sync/atomic"
	"time"

	"periphcode-go/bus"
	"periphcode-go/drivers/sdmmc"
	"periphcode-go/errcode"
	"periphcode-go/types"
	"periphcode-go/x/mathx"
)

type opCode uint8

const (
	opInit opCode = iota
	opReadStatus
	opReadSDStatus
	opPower
	opStop
)

type request struct {
	op  opCode
	arg any
}

// Config tunes the service.
type Config struct {
	// Freq is the bus clock used by the "init" verb. Defaults to 24 MHz.
	Freq sdmmc.ClockFreq
	// QueueLen bounds the control queue, clamped to [1, 64].
	QueueLen int
}

// Service wraps one sdmmc.Device. The device must not be used elsewhere
// once handed over; the worker goroutine is its single owner.
type Service struct {
	id  string
	dev *sdmmc.Device
	b   *bus.Bus
	cfg Config

	reqCh chan request
	done  chan struct{}
	alive atomic.Bool
}

// New wires a service for the card slot named id.
func New(id string, dev *sdmmc.Device, b *bus.Bus, cfg Config) *Service {
	if cfg.Freq == 0 {
		cfg.Freq = sdmmc.Freq24MHz
	}
	return &Service{
		id:    id,
		dev:   dev,
		b:     b,
		cfg:   cfg,
		reqCh: make(chan request, mathx.Clamp(cfg.QueueLen, 1, 64)),
		done:  make(chan struct{}),
	}
}

// Topics published by the service.

func (s *Service) infoTopic() bus.Topic {
	return bus.T("storage", "card", s.id, "info")
}

func (s *Service) statusTopic() bus.Topic {
	return bus.T("storage", "card", s.id, "status")
}

func (s *Service) errTopic() bus.Topic {
	return bus.T("storage", "card", s.id, "error")
}

// Start launches the worker. It returns immediately.
func (s *Service) Start(ctx context.Context) {
	s.alive.Store(true)
	go s.worker(ctx)
}

// Close requests a stop and waits briefly for the worker to drain.
func (s *Service) Close() error {
	if s.alive.Load() {
		select {
		case s.reqCh <- request{op: opStop}:
		default:
		}
		t := time.NewTimer(300 * time.Millisecond)
		select {
		case <-s.done:
		case <-t.C:
		}
		t.Stop()
	}
	return nil
}

// Control enqueues a verb. All controls are non-blocking; a full queue
// reports Busy.
func (s *Service) Control(verb string, payload any) errcode.Code {
	send := func(req request) errcode.Code {
		if !s.alive.Load() {
			return errcode.Unavailable
		}
		select {
		case s.reqCh <- req:
			return errcode.OK
		default:
			return errcode.Busy
		}
	}

	switch verb {
	case "init":
		var v types.InitRequest
		switch x := payload.(type) {
		case nil:
		case types.InitRequest:
			v = x
		case *types.InitRequest:
			if x == nil {
				return errcode.InvalidPayload
			}
			v = *x
		default:
			return errcode.InvalidPayload
		}
		return send(request{op: opInit, arg: v})

	case "status":
		return send(request{op: opReadStatus})

	case "sd_status":
		return send(request{op: opReadSDStatus})

	case "power":
		var v types.PowerRequest
		switch x := payload.(type) {
		case types.PowerRequest:
			v = x
		case *types.PowerRequest:
			if x == nil {
				return errcode.InvalidPayload
			}
			v = *x
		default:
			return errcode.InvalidPayload
		}
		return send(request{op: opPower, arg: v})

	default:
		return errcode.Unsupported
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.alive.Store(false)
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-s.reqCh:
			switch req.op {
			case opInit:
				s.initCard(req.arg.(types.InitRequest))
			case opReadStatus:
				s.publishStatus()
			case opReadSDStatus:
				s.publishSDStatus()
			case opPower:
				if v, ok := req.arg.(types.PowerRequest); ok {
					s.dev.PowerCard(v.On)
				}
			case opStop:
				return
			}
		}
	}
}

func (s *Service) initCard(req types.InitRequest) {
	freq := s.cfg.Freq
	if f, ok := freqFromHz(req.FreqHz); ok {
		freq = f
	}

	if err := s.dev.Init(freq); err != nil {
		// A failed negotiation leaves no card; clear any retained info.
		s.b.Publish(&bus.Message{Topic: s.infoTopic(), Retained: true})
		s.publishErr("init", err)
		return
	}

	card, err := s.dev.Card()
	if err != nil {
		s.publishErr("init", err)
		return
	}

	info := types.CardInfo{
		Capacity:     card.Capacity.String(),
		Manufacturer: card.CID.ManufacturerID(),
		OEM:          card.CID.OEMID(),
		Product:      card.CID.ProductName(),
		Serial:       card.CID.SerialNumber(),
		Address:      card.Address(),
		Blocks:       card.CSD.BlockCount(),
		WideBus:      card.SupportsWidebus(),
	}
	s.b.Publish(&bus.Message{Topic: s.infoTopic(), Payload: info, Retained: true})
}

func (s *Service) publishStatus() {
	status, err := s.dev.ReadStatus()
	if err != nil {
		s.publishErr("status", err)
		return
	}
	s.b.Publish(&bus.Message{
		Topic: s.statusTopic(),
		Payload: types.CardStatusValue{
			State: status.State().String(),
			Ready: status.State() == sdmmc.StateTransfer,
			Raw:   uint32(status),
		},
	})
}

func (s *Service) publishSDStatus() {
	st, err := s.dev.ReadSDStatus()
	if err != nil {
		s.publishErr("sd_status", err)
		return
	}
	s.b.Publish(&bus.Message{Topic: s.statusTopic(), Payload: st})
}

// freqFromHz picks the fastest divisor table entry not above hz.
func freqFromHz(hz uint32) (sdmmc.ClockFreq, bool) {
	switch {
	case hz == 0:
		return 0, false
	case hz >= 24_000_000:
		return sdmmc.Freq24MHz, true
	case hz >= 16_000_000:
		return sdmmc.Freq16MHz, true
	case hz >= 12_000_000:
		return sdmmc.Freq12MHz, true
	case hz >= 8_000_000:
		return sdmmc.Freq8MHz, true
	case hz >= 4_000_000:
		return sdmmc.Freq4MHz, true
	case hz >= 1_000_000:
		return sdmmc.Freq1MHz, true
	}
	return sdmmc.Freq400KHz, true
}

func (s *Service) publishErr(op string, err error) {
	s.b.Publish(&bus.Message{
		Topic:   s.errTopic(),
		Payload: &errcode.E{C: errcode.MapDriverErr(err), Op: op, Err: err},
	})
}
