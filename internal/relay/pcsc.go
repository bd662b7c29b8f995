package relay

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ebfe/scard"
)

var ErrNoReader = errors.New("no smart card reader found")

// PCSC is a Transport over a PC/SC reader.
type PCSC struct {
	ctx  *scard.Context
	card *scard.Card
}

// OpenPCSC waits for a card on any reader (or only on reader, when set) and connects to it.
func OpenPCSC(reader string) (*PCSC, error) {

	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		ctx.Release()
		return nil, err
	}
	if reader != "" {
		readers = filterReaders(readers, reader)
	}
	if len(readers) == 0 {
		ctx.Release()
		return nil, ErrNoReader
	}

	for i, r := range readers {
		slog.Debug("PCSC", "Reader", i, "Name", r)
	}

	index, err := waitUntilCardPresent(ctx, readers)
	if err != nil {
		ctx.Release()
		return nil, err
	}

	card, err := ctx.Connect(readers[index], scard.ShareExclusive, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("connect %s: %w", readers[index], err)
	}

	status, err := card.Status()
	if err == nil {
		slog.Debug("PCSC", "Reader", status.Reader, "ATR", fmt.Sprintf("% x", status.Atr))
	}

	return &PCSC{ctx: ctx, card: card}, nil

}

func (p *PCSC) Transmit(frame []byte) ([]byte, error) {
	return p.card.Transmit(frame)
}

func (p *PCSC) Close() error {
	err := p.card.Disconnect(scard.ResetCard)
	if rerr := p.ctx.Release(); err == nil {
		err = rerr
	}
	return err
}

func waitUntilCardPresent(ctx *scard.Context, readers []string) (int, error) {
	rs := make([]scard.ReaderState, len(readers))
	for i := range rs {
		rs[i].Reader = readers[i]
		rs[i].CurrentState = scard.StateUnaware
	}

	for {
		for i := range rs {
			if rs[i].EventState&scard.StatePresent != 0 {
				return i, nil
			}
			rs[i].CurrentState = rs[i].EventState
		}
		err := ctx.GetStatusChange(rs, -1)
		if err != nil {
			return -1, err
		}
	}
}

func filterReaders(readers []string, name string) []string {
	for _, r := range readers {
		if r == name {
			return []string{r}
		}
	}
	return nil
}
