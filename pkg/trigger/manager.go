// Package trigger observes heterogeneous sources and emits uniform
// trigger actions: EVM logs, Cosmos events, block cadence, and wall
// clock. Each source is matched against the registered-workflow table
// and expanded into one action per matched workflow.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/wavs-labs/wavs/pkg/config"
	"github.com/wavs-labs/wavs/pkg/trigger/cosmosstream"
	"github.com/wavs-labs/wavs/pkg/trigger/evmstream"
	"github.com/wavs-labs/wavs/pkg/types"
)

// EVMStream is the slice of the EVM stream client the manager drives.
type EVMStream interface {
	Blocks() <-chan evmstream.BlockRecord
	Logs() <-chan ethtypes.Log
	EnableLogs(addresses []common.Address, topics []common.Hash)
	DisableLogs()
	WatchBlocks(enabled bool)
	Close()
}

// CosmosStream is the slice of the Cosmos stream client the manager
// drives.
type CosmosStream interface {
	Events() <-chan cosmosstream.EventRecord
	AddEventType(eventType string)
	RemoveEventType(eventType string)
	Close()
}

// StreamFactory opens stream clients per chain; tests substitute
// fakes.
type StreamFactory interface {
	OpenEVM(chain types.ChainName, cfg config.ChainConfig) (EVMStream, error)
	OpenCosmos(chain types.ChainName, cfg config.ChainConfig) (CosmosStream, error)
}

// workflowRef points one source match at one workflow.
type workflowRef struct {
	serviceID  types.ServiceID
	workflowID types.WorkflowID
}

type evmKey struct {
	address common.Address
	topic   common.Hash
}

type cadenceRef struct {
	workflowRef
	nBlocks     uint64
	startHeight uint64
	endHeight   uint64
}

type cronRef struct {
	workflowRef
	interval time.Duration
	stop     chan struct{}
}

// Manager is the trigger subsystem.
type Manager struct {
	chains  map[types.ChainName]config.ChainConfig
	factory StreamFactory
	sink    func(types.TriggerAction)
	logger  *slog.Logger

	mu          sync.RWMutex
	evmStreams  map[types.ChainName]EVMStream
	cosStreams  map[types.ChainName]CosmosStream
	evmTable    map[types.ChainName]map[evmKey][]workflowRef
	cosmosTable map[types.ChainName]map[string][]workflowRef
	cadences    map[types.ChainName][]cadenceRef
	crons       map[types.ServiceID]map[types.WorkflowID]*cronRef

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds the subsystem. The sink must never block; the
// dispatcher's inbound channel is unbounded.
func NewManager(chains map[types.ChainName]config.ChainConfig, factory StreamFactory, sink func(types.TriggerAction), logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		chains:      chains,
		factory:     factory,
		sink:        sink,
		logger:      logger.With("component", "trigger"),
		evmStreams:  make(map[types.ChainName]EVMStream),
		cosStreams:  make(map[types.ChainName]CosmosStream),
		evmTable:    make(map[types.ChainName]map[evmKey][]workflowRef),
		cosmosTable: make(map[types.ChainName]map[string][]workflowRef),
		cadences:    make(map[types.ChainName][]cadenceRef),
		crons:       make(map[types.ServiceID]map[types.WorkflowID]*cronRef),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Close stops schedulers, stream consumers, and stream clients.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	for _, crons := range m.crons {
		for _, c := range crons {
			close(c.stop)
		}
	}
	m.crons = make(map[types.ServiceID]map[types.WorkflowID]*cronRef)
	streams := make([]func(), 0, len(m.evmStreams)+len(m.cosStreams))
	for _, s := range m.evmStreams {
		streams = append(streams, s.Close)
	}
	for _, s := range m.cosStreams {
		streams = append(streams, s.Close)
	}
	m.mu.Unlock()
	for _, closeFn := range streams {
		closeFn()
	}
	m.wg.Wait()
}

// AddService registers every workflow trigger of a service.
func (m *Manager) AddService(svc *types.Service) error {
	for workflowID, workflow := range svc.Workflows {
		ref := workflowRef{serviceID: svc.ID, workflowID: workflowID}
		trig := workflow.Trigger
		switch {
		case trig.EVMEvent != nil:
			if err := m.addEVMEvent(ref, trig.EVMEvent); err != nil {
				return err
			}
		case trig.CosmosEvent != nil:
			if err := m.addCosmosEvent(ref, trig.CosmosEvent); err != nil {
				return err
			}
		case trig.BlockInterval != nil:
			if err := m.addCadence(ref, trig.BlockInterval); err != nil {
				return err
			}
		case trig.Cron != nil:
			m.addCron(ref, trig.Cron)
		default:
			return fmt.Errorf("workflow %s/%s has no trigger", svc.ID, workflowID)
		}
	}
	return nil
}

// RemoveService drops every trigger of a service and shrinks stream
// filters to the remaining union.
func (m *Manager) RemoveService(serviceID types.ServiceID) {
	m.mu.Lock()
	for chainName, table := range m.evmTable {
		for key, refs := range table {
			table[key] = withoutService(refs, serviceID)
			if len(table[key]) == 0 {
				delete(table, key)
			}
		}
		m.syncEVMLocked(chainName)
	}
	for chainName, table := range m.cosmosTable {
		for eventType, refs := range table {
			table[eventType] = withoutService(refs, serviceID)
			if len(table[eventType]) == 0 {
				delete(table, eventType)
				if s, ok := m.cosStreams[chainName]; ok {
					s.RemoveEventType(eventType)
				}
			}
		}
	}
	for chainName, refs := range m.cadences {
		kept := refs[:0]
		for _, ref := range refs {
			if ref.serviceID != serviceID {
				kept = append(kept, ref)
			}
		}
		m.cadences[chainName] = kept
	}
	if crons, ok := m.crons[serviceID]; ok {
		for _, c := range crons {
			close(c.stop)
		}
		delete(m.crons, serviceID)
	}
	m.mu.Unlock()
}

// UpdateService re-registers a service's triggers after an upgrade.
func (m *Manager) UpdateService(svc *types.Service) error {
	m.RemoveService(svc.ID)
	return m.AddService(svc)
}

func withoutService(refs []workflowRef, serviceID types.ServiceID) []workflowRef {
	kept := refs[:0]
	for _, ref := range refs {
		if ref.serviceID != serviceID {
			kept = append(kept, ref)
		}
	}
	return kept
}

func (m *Manager) addEVMEvent(ref workflowRef, trig *types.EVMEventTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.evmStreamLocked(trig.Chain); err != nil {
		return err
	}
	table, ok := m.evmTable[trig.Chain]
	if !ok {
		table = make(map[evmKey][]workflowRef)
		m.evmTable[trig.Chain] = table
	}
	key := evmKey{address: trig.Address, topic: trig.Topic}
	table[key] = append(table[key], ref)
	m.syncEVMLocked(trig.Chain)
	return nil
}

// syncEVMLocked recomputes the consolidated filter union for one chain
// and pushes it to the stream client, which only resubscribes when the
// filter actually changed.
func (m *Manager) syncEVMLocked(chainName types.ChainName) {
	stream, ok := m.evmStreams[chainName]
	if !ok {
		return
	}
	table := m.evmTable[chainName]
	if len(table) == 0 {
		stream.DisableLogs()
		return
	}
	addrSet := make(map[common.Address]struct{})
	topicSet := make(map[common.Hash]struct{})
	for key := range table {
		addrSet[key.address] = struct{}{}
		topicSet[key.topic] = struct{}{}
	}
	addresses := make([]common.Address, 0, len(addrSet))
	for a := range addrSet {
		addresses = append(addresses, a)
	}
	topics := make([]common.Hash, 0, len(topicSet))
	for t := range topicSet {
		topics = append(topics, t)
	}
	stream.EnableLogs(addresses, topics)
}

func (m *Manager) addCosmosEvent(ref workflowRef, trig *types.CosmosEventTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream, err := m.cosmosStreamLocked(trig.Chain)
	if err != nil {
		return err
	}
	table, ok := m.cosmosTable[trig.Chain]
	if !ok {
		table = make(map[string][]workflowRef)
		m.cosmosTable[trig.Chain] = table
	}
	table[trig.EventType] = append(table[trig.EventType], ref)
	stream.AddEventType(trig.EventType)
	return nil
}

func (m *Manager) addCadence(ref workflowRef, trig *types.BlockIntervalTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream, err := m.evmStreamLocked(trig.Chain)
	if err != nil {
		return err
	}
	m.cadences[trig.Chain] = append(m.cadences[trig.Chain], cadenceRef{
		workflowRef: ref,
		nBlocks:     trig.NBlocks,
		startHeight: trig.StartHeight,
		endHeight:   trig.EndHeight,
	})
	stream.WatchBlocks(true)
	return nil
}

func (m *Manager) addCron(ref workflowRef, trig *types.CronTrigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	crons, ok := m.crons[ref.serviceID]
	if !ok {
		crons = make(map[types.WorkflowID]*cronRef)
		m.crons[ref.serviceID] = crons
	}
	c := &cronRef{
		workflowRef: ref,
		interval:    trig.Interval(),
		stop:        make(chan struct{}),
	}
	crons[ref.workflowID] = c
	m.wg.Add(1)
	go m.runCron(c)
}

func (m *Manager) runCron(c *cronRef) {
	defer m.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	scope := string(c.serviceID) + "/" + string(c.workflowID)
	var tick uint64
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			tick++
			m.sink(types.TriggerAction{
				ServiceID:  c.serviceID,
				WorkflowID: c.workflowID,
				Data:       types.TriggerData{Tick: &types.TickData{Index: tick}},
				EventID:    types.TickEventID(scope, tick),
			})
		}
	}
}

// evmStreamLocked opens the chain's stream client on first use and
// starts its consumers.
func (m *Manager) evmStreamLocked(chainName types.ChainName) (EVMStream, error) {
	if s, ok := m.evmStreams[chainName]; ok {
		return s, nil
	}
	cfg, ok := m.chains[chainName]
	if !ok {
		return nil, fmt.Errorf("chain %s is not configured", chainName)
	}
	stream, err := m.factory.OpenEVM(chainName, cfg)
	if err != nil {
		return nil, fmt.Errorf("open evm stream for %s: %w", chainName, err)
	}
	m.evmStreams[chainName] = stream
	m.wg.Add(2)
	go m.consumeLogs(chainName, stream)
	go m.consumeBlocks(chainName, stream)
	return stream, nil
}

func (m *Manager) cosmosStreamLocked(chainName types.ChainName) (CosmosStream, error) {
	if s, ok := m.cosStreams[chainName]; ok {
		return s, nil
	}
	cfg, ok := m.chains[chainName]
	if !ok {
		return nil, fmt.Errorf("chain %s is not configured", chainName)
	}
	stream, err := m.factory.OpenCosmos(chainName, cfg)
	if err != nil {
		return nil, fmt.Errorf("open cosmos stream for %s: %w", chainName, err)
	}
	m.cosStreams[chainName] = stream
	m.wg.Add(1)
	go m.consumeCosmosEvents(chainName, stream)
	return stream, nil
}

// consumeLogs matches incoming logs against the workflow table and
// expands each into one action per matched workflow.
func (m *Manager) consumeLogs(chainName types.ChainName, stream EVMStream) {
	defer m.wg.Done()
	for logRecord := range stream.Logs() {
		if len(logRecord.Topics) == 0 {
			continue
		}
		key := evmKey{address: logRecord.Address, topic: logRecord.Topics[0]}

		m.mu.RLock()
		refs := append([]workflowRef(nil), m.evmTable[chainName][key]...)
		m.mu.RUnlock()
		if len(refs) == 0 {
			continue
		}

		eventID := types.EVMEventID(logRecord.BlockHash, uint64(logRecord.Index))
		data := types.TriggerData{EVMLog: &types.EVMLogData{
			Chain:       chainName,
			Address:     logRecord.Address,
			Topics:      logRecord.Topics,
			Data:        logRecord.Data,
			BlockHash:   logRecord.BlockHash,
			BlockHeight: logRecord.BlockNumber,
			TxHash:      logRecord.TxHash,
			LogIndex:    uint64(logRecord.Index),
		}}
		for _, ref := range refs {
			m.sink(types.TriggerAction{
				ServiceID:  ref.serviceID,
				WorkflowID: ref.workflowID,
				Data:       data,
				EventID:    eventID,
			})
		}
	}
}

func (m *Manager) consumeBlocks(chainName types.ChainName, stream EVMStream) {
	defer m.wg.Done()
	for block := range stream.Blocks() {
		m.mu.RLock()
		refs := append([]cadenceRef(nil), m.cadences[chainName]...)
		m.mu.RUnlock()

		for _, ref := range refs {
			if block.Height < ref.startHeight {
				continue
			}
			if ref.endHeight > 0 && block.Height > ref.endHeight {
				continue
			}
			if (block.Height-ref.startHeight)%ref.nBlocks != 0 {
				continue
			}
			m.sink(types.TriggerAction{
				ServiceID:  ref.serviceID,
				WorkflowID: ref.workflowID,
				Data: types.TriggerData{BlockHeight: &types.BlockHeightData{
					Chain:  chainName,
					Height: block.Height,
				}},
				EventID: types.BlockEventID(chainName, block.Height),
			})
		}
	}
}

func (m *Manager) consumeCosmosEvents(chainName types.ChainName, stream CosmosStream) {
	defer m.wg.Done()
	for event := range stream.Events() {
		m.mu.RLock()
		refs := append([]workflowRef(nil), m.cosmosTable[chainName][event.Type]...)
		m.mu.RUnlock()
		if len(refs) == 0 {
			continue
		}

		eventID := types.CosmosEventID(event.TxHash, event.EventIndex)
		data := types.TriggerData{CosmosEvent: &types.CosmosEventData{
			Chain:      chainName,
			EventType:  event.Type,
			Attributes: event.Attributes,
			TxHash:     event.TxHash,
			EventIndex: event.EventIndex,
		}}
		for _, ref := range refs {
			m.sink(types.TriggerAction{
				ServiceID:  ref.serviceID,
				WorkflowID: ref.workflowID,
				Data:       data,
				EventID:    eventID,
			})
		}
	}
}

// DefaultStreamFactory opens production stream clients.
type DefaultStreamFactory struct {
	Logger *slog.Logger
}

// OpenEVM dials the chain's WebSocket endpoints.
func (f DefaultStreamFactory) OpenEVM(chainName types.ChainName, cfg config.ChainConfig) (EVMStream, error) {
	if len(cfg.WSEndpoints) == 0 {
		return nil, fmt.Errorf("chain %s has no websocket endpoints", chainName)
	}
	return evmstream.New(chainName, cfg.WSEndpoints, evmstream.RPCDialer{}, f.Logger), nil
}

// OpenCosmos dials the chain's WebSocket endpoints.
func (f DefaultStreamFactory) OpenCosmos(chainName types.ChainName, cfg config.ChainConfig) (CosmosStream, error) {
	if len(cfg.WSEndpoints) == 0 {
		return nil, fmt.Errorf("chain %s has no websocket endpoints", chainName)
	}
	return cosmosstream.New(chainName, cfg.WSEndpoints, f.Logger), nil
}
