package schema

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// Details carries the well-known detail fields of a log record or threat.
// Keys that have no dedicated field are kept in Extra. On the wire the
// known fields are flattened next to the extra keys, so the JSON form is a
// single open object.
type Details struct {
	IPAddress   string
	User        string
	ProcessID   int // 0 means absent
	Region      string
	ResourceID  string
	FilePath    string
	ServiceName string
	Extra       map[string]any
}

const (
	keyIPAddress   = "ip_address"
	keyUser        = "user"
	keyProcessID   = "process_id"
	keyRegion      = "region"
	keyResourceID  = "resource_id"
	keyFilePath    = "file_path"
	keyServiceName = "service_name"
	keySeverity    = "severity"
	keySource      = "source"
	keyIndicators  = "indicators"
	keyActionName  = "action_name"
)

// IsZero reports whether no field is set.
func (d Details) IsZero() bool {
	return d.IPAddress == "" && d.User == "" && d.ProcessID == 0 && d.Region == "" &&
		d.ResourceID == "" && d.FilePath == "" && d.ServiceName == "" && len(d.Extra) == 0
}

// Clone returns a copy with its own Extra map.
func (d Details) Clone() Details {
	c := d
	c.Extra = maps.Clone(d.Extra)
	return c
}

// Value returns the text form of the detail named key. A value of an
// unexpected type, kept in Extra, still counts; null and empty values do
// not.
func (d Details) Value(key string) (string, bool) {
	var known string
	switch key {
	case keyIPAddress:
		known = d.IPAddress
	case keyUser:
		known = d.User
	case keyRegion:
		known = d.Region
	case keyResourceID:
		known = d.ResourceID
	case keyFilePath:
		known = d.FilePath
	case keyServiceName:
		known = d.ServiceName
	case keyProcessID:
		if d.ProcessID != 0 {
			known = strconv.Itoa(d.ProcessID)
		}
	}
	if known != "" {
		return known, true
	}

	v, ok := d.Extra[key]
	if !ok || v == nil {
		return "", false
	}
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	default:
		s = fmt.Sprint(x)
	}
	return s, s != ""
}

// Map returns the flattened representation.
func (d Details) Map() map[string]any {
	m := make(map[string]any, len(d.Extra)+7)
	maps.Copy(m, d.Extra)
	putString(m, keyIPAddress, d.IPAddress)
	putString(m, keyUser, d.User)
	putString(m, keyRegion, d.Region)
	putString(m, keyResourceID, d.ResourceID)
	putString(m, keyFilePath, d.FilePath)
	putString(m, keyServiceName, d.ServiceName)
	if d.ProcessID != 0 {
		m[keyProcessID] = d.ProcessID
	}
	return m
}

// DetailsFromMap splits a flattened map into known fields and extras.
func DetailsFromMap(m map[string]any) Details {
	var d Details
	rest := maps.Clone(m)
	d.IPAddress = takeString(rest, keyIPAddress)
	d.User = takeString(rest, keyUser)
	d.Region = takeString(rest, keyRegion)
	d.ResourceID = takeString(rest, keyResourceID)
	d.FilePath = takeString(rest, keyFilePath)
	d.ServiceName = takeString(rest, keyServiceName)
	d.ProcessID = takeInt(rest, keyProcessID)
	if len(rest) > 0 {
		d.Extra = rest
	}
	return d
}

// MarshalJSON implements json.Marshaler.
func (d Details) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Map())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Details) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*d = DetailsFromMap(m)
	return nil
}

// ActionParams are the parameters handed to an action handler.
type ActionParams struct {
	Severity    Severity
	Source      string
	Indicators  []string
	IPAddress   string
	FilePath    string
	ServiceName string
	ProcessID   int
	ActionName  string
	Extra       map[string]any
}

// Clone returns a copy that shares no slices or maps with p.
func (p ActionParams) Clone() ActionParams {
	c := p
	c.Indicators = slices.Clone(p.Indicators)
	c.Extra = maps.Clone(p.Extra)
	return c
}

// Map returns the flattened representation.
func (p ActionParams) Map() map[string]any {
	m := make(map[string]any, len(p.Extra)+8)
	maps.Copy(m, p.Extra)
	putString(m, keySeverity, string(p.Severity))
	putString(m, keySource, p.Source)
	putString(m, keyIPAddress, p.IPAddress)
	putString(m, keyFilePath, p.FilePath)
	putString(m, keyServiceName, p.ServiceName)
	putString(m, keyActionName, p.ActionName)
	if p.Indicators != nil {
		m[keyIndicators] = slices.Clone(p.Indicators)
	}
	if p.ProcessID != 0 {
		m[keyProcessID] = p.ProcessID
	}
	return m
}

// ActionParamsFromMap splits a flattened map into known fields and extras.
func ActionParamsFromMap(m map[string]any) ActionParams {
	var p ActionParams
	rest := maps.Clone(m)
	p.Severity = Severity(takeString(rest, keySeverity))
	p.Source = takeString(rest, keySource)
	p.IPAddress = takeString(rest, keyIPAddress)
	p.FilePath = takeString(rest, keyFilePath)
	p.ServiceName = takeString(rest, keyServiceName)
	p.ActionName = takeString(rest, keyActionName)
	p.ProcessID = takeInt(rest, keyProcessID)
	if v, ok := rest[keyIndicators]; ok {
		switch list := v.(type) {
		case []string:
			p.Indicators = slices.Clone(list)
			delete(rest, keyIndicators)
		case []any:
			for _, item := range list {
				if s, ok := item.(string); ok {
					p.Indicators = append(p.Indicators, s)
				}
			}
			delete(rest, keyIndicators)
		}
	}
	if len(rest) > 0 {
		p.Extra = rest
	}
	return p
}

// MarshalJSON implements json.Marshaler.
func (p ActionParams) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Map())
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *ActionParams) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*p = ActionParamsFromMap(m)
	return nil
}

func putString(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}

// takeString removes key from m when it holds a string.
func takeString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	delete(m, key)
	return s
}

// takeInt removes key from m when it holds an integral number or a numeric
// string. JSON numbers arrive as float64.
func takeInt(m map[string]any, key string) int {
	v, ok := m[key]
	if !ok {
		return 0
	}
	var n int
	switch x := v.(type) {
	case int:
		n = x
	case int32:
		n = int(x)
	case int64:
		n = int(x)
	case float64:
		if x != float64(int(x)) {
			return 0
		}
		n = int(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0
		}
		n = int(i)
	case string:
		i, err := strconv.Atoi(x)
		if err != nil {
			return 0
		}
		n = i
	default:
		return 0
	}
	delete(m, key)
	return n
}
