// Copyright 2024 The flagstore Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package record

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldFiles protowire.Number = 1

	fieldVersion    protowire.Number = 1
	fieldContainer  protowire.Number = 2
	fieldPackageMap protowire.Number = 3
	fieldFlagMap    protowire.Number = 4
	fieldFlagVal    protowire.Number = 5
	fieldTimestamp  protowire.Number = 6
	fieldFlagInfo   protowire.Number = 7
)

// MarshalBinary encodes m in protobuf wire format.
func (m *Manifest) MarshalBinary() ([]byte, error) {
	var b []byte
	for i := range m.Files {
		b = protowire.AppendTag(b, fieldFiles, protowire.BytesType)
		b = protowire.AppendBytes(b, appendEntry(nil, &m.Files[i]))
	}
	return b, nil
}

func appendEntry(b []byte, e *Entry) []byte {
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Version))
	for _, f := range []struct {
		num protowire.Number
		s   string
	}{
		{fieldContainer, e.Container},
		{fieldPackageMap, e.PackageMap},
		{fieldFlagMap, e.FlagMap},
		{fieldFlagVal, e.FlagVal},
	} {
		b = protowire.AppendTag(b, f.num, protowire.BytesType)
		b = protowire.AppendString(b, f.s)
	}
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Timestamp))
	if e.FlagInfo != "" {
		b = protowire.AppendTag(b, fieldFlagInfo, protowire.BytesType)
		b = protowire.AppendString(b, e.FlagInfo)
	}
	return b
}

// UnmarshalBinary decodes protobuf wire format into m, without validating.
// Unknown fields are skipped.
func (m *Manifest) UnmarshalBinary(b []byte) error {
	var files []Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return wireErr(n)
		}
		b = b[n:]
		if num == fieldFiles && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return wireErr(n)
			}
			e, err := unmarshalEntry(v)
			if err != nil {
				return fmt.Errorf("files[%d]: %w", len(files), err)
			}
			files = append(files, e)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return wireErr(n)
		}
		b = b[n:]
	}
	m.Files = files
	return nil
}

func unmarshalEntry(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, wireErr(n)
		}
		b = b[n:]

		var s *string
		switch num {
		case fieldContainer:
			s = &e.Container
		case fieldPackageMap:
			s = &e.PackageMap
		case fieldFlagMap:
			s = &e.FlagMap
		case fieldFlagVal:
			s = &e.FlagVal
		case fieldFlagInfo:
			s = &e.FlagInfo
		}

		switch {
		case s != nil && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			*s, n = v, m
		case num == fieldVersion && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			e.Version, n = uint32(v), m
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			e.Timestamp, n = int64(v), m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return e, wireErr(n)
		}
		b = b[n:]
	}
	return e, nil
}

func wireErr(n int) error {
	return fmt.Errorf("%w: %w", ErrInvalidManifest, protowire.ParseError(n))
}

// ParseBinary decodes and validates the binary form.
func ParseBinary(b []byte) (*Manifest, error) {
	var m Manifest
	if err := m.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
