package main

import (
	"encoding/binary"
	"fmt"

	mb "github.com/goburrow/modbus"

	"github.com/edgeo-scada/sps-mockup/internal/config"
)

// remoteStore reads and writes the registers of a running mockup. It
// satisfies sps.Store so the schema helpers work against the network.
type remoteStore struct {
	handler *mb.TCPClientHandler
	client  mb.Client
	// offset is subtracted from register numbers to get protocol addresses.
	offset uint16
}

func dialMockup(c config.ClientConfig, zeroMode bool) (*remoteStore, error) {
	handler := mb.NewTCPClientHandler(c.Address)
	handler.Timeout = c.Timeout
	handler.SlaveId = c.Unit
	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.Address, err)
	}

	r := &remoteStore{handler: handler, client: mb.NewClient(handler)}
	if !zeroMode {
		r.offset = 1
	}
	return r, nil
}

func (r *remoteStore) Close() error {
	return r.handler.Close()
}

func (r *remoteStore) Get(addr, count uint16) ([]uint16, error) {
	data, err := r.client.ReadHoldingRegisters(addr-r.offset, count)
	if err != nil {
		return nil, err
	}
	if len(data) != 2*int(count) {
		return nil, fmt.Errorf("read %d registers at %d: got %d bytes", count, addr, len(data))
	}

	values := make([]uint16, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return values, nil
}

func (r *remoteStore) Set(addr uint16, values []uint16) error {
	if len(values) == 1 {
		_, err := r.client.WriteSingleRegister(addr-r.offset, values[0])
		return err
	}

	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[2*i:], v)
	}
	_, err := r.client.WriteMultipleRegisters(addr-r.offset, uint16(len(values)), data)
	return err
}
