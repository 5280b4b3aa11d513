package discovery

import "strings"

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// StringsToTXTRecords parses "key=value" TXT strings.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) == 2 {
			txt[strings.ToLower(parts[0])] = parts[1]
		} else if parts[0] != "" {
			// Key without value (boolean flag)
			txt[strings.ToLower(parts[0])] = ""
		}
	}
	return txt
}

// applyTXT fills the TXT-derived fields of c.
func applyTXT(c *Companion, txt TXTRecordMap) {
	c.Name = txt[TXTKeyName]
	if c.Name == "" {
		c.Name = c.Instance
	}
	c.PublicKeyPrefix = strings.ToLower(txt[TXTKeyPublicKey])
	c.Firmware = txt[TXTKeyFirmware]
}
