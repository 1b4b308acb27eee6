package proxy

import (
	"github.com/packetcraft-inc/stacks-sub006/internal/bearer"
	"github.com/packetcraft-inc/stacks-sub006/internal/wire"
)

// applyFilterOperation mutates id's output filter per pdu (Set Filter
// Type, Add Addresses, or Remove Addresses) and reports the filter's
// resulting kind/size for the Filter Status reply. Reuses
// bearer.Dispatch's own output filter rather than re-implementing
// whitelist/blacklist bookkeeping here.
func applyFilterOperation(dispatch *bearer.Dispatch, id bearer.InterfaceID, pdu wire.ProxyConfigPDU) (filterType uint8, listSize int, err error) {
	f, err := dispatch.Filter(id)
	if err != nil {
		return 0, 0, err
	}

	switch pdu.Opcode {
	case wire.ProxyOpSetFilterType:
		kind := bearer.FilterWhitelist
		if pdu.FilterType == wire.ProxyFilterBlacklist {
			kind = bearer.FilterBlacklist
		}
		f.SetKind(kind)

	case wire.ProxyOpAddAddresses:
		// A request that would exceed capacity leaves the filter
		// unchanged; the status reply reflects the untouched list
		// rather than failing the whole exchange.
		_ = f.Add(pdu.Addresses...)

	case wire.ProxyOpRemoveAddresses:
		f.Remove(pdu.Addresses...)
	}

	resultType := wire.ProxyFilterWhitelist
	if f.Kind() == bearer.FilterBlacklist {
		resultType = wire.ProxyFilterBlacklist
	}
	return resultType, f.Size(), nil
}
