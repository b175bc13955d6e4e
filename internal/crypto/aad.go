package icrypto

import (
	"encoding/binary"
)

const (
	aadRecord = "RECORD"
	aadCheck  = "KEYCHECK"
)

// AADRecord binds a sealed entity record to its namespace, record type,
// refid and envelope version so ciphertexts cannot be swapped between slots.
func AADRecord(namespace, recordType, recordID string, version uint64, ver int) []byte {
	return buildAAD(aadRecord, namespace, recordType, recordID, version, ver)
}

// AADKeyCheck is the AAD of the canary record used to detect a wrong store passphrase.
func AADKeyCheck(namespace string, ver int) []byte {
	return buildAAD(aadCheck, namespace, ver)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			res = binary.BigEndian.AppendUint64(res, v)
		case int:
			res = binary.BigEndian.AppendUint32(res, uint32(v))
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}
