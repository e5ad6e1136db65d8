package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Packet is the aggregator-ingest unit: one operator's signed partial
// for a single event.
type Packet struct {
	ServiceManager ServiceManagerRef `json:"service_manager"`
	Envelope       Envelope          `json:"envelope"`
	Signer         common.Address    `json:"signer"`
	Signature      hexutil.Bytes     `json:"signature"`
}

// Validate checks the packet shape and that the signature actually
// recovers to the claimed signer.
func (p Packet) Validate() error {
	if p.ServiceManager.Address == (common.Address{}) {
		return fmt.Errorf("packet missing service manager address")
	}
	if len(p.Signature) == 0 {
		return fmt.Errorf("packet missing signature")
	}
	recovered, err := p.Envelope.RecoverSigner(p.Signature)
	if err != nil {
		return err
	}
	if recovered != p.Signer {
		return fmt.Errorf("signature recovers to %s, packet claims %s", recovered, p.Signer)
	}
	return nil
}

// ChainMessage is the engine's output handed back to the dispatcher:
// a to-be-signed envelope plus the workflow snapshot the execution ran
// against. Submission uses the snapshot, never a fresh registry read,
// so upgrades cannot change a result's destination mid-flight.
type ChainMessage struct {
	ServiceID  ServiceID  `json:"service_id"`
	WorkflowID WorkflowID `json:"workflow_id"`
	Envelope   Envelope   `json:"envelope"`
	Manager    ServiceManagerRef `json:"service_manager"`
	Submit     Submit     `json:"submit"`
	HDIndex    uint32     `json:"hd_index"`
}
