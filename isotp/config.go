package isotp

import (
	"fmt"
	"strconv"

	"gopkg.in/ini.v1"
)

// ChannelConfig is one channel's settings as read from an ini file. A
// section per channel:
//
//	[can0]
//	txid = 0x7E0
//	rxid = 0x7E8
//	fid = 0x7DF
//	standard = 2016
//	fd = true
//	padding = 0xAA
//	block_size = 0
//	st_min = 10
type ChannelConfig struct {
	Channel   string
	Address   Address
	Standard  Standard
	FD        bool
	Padding   *byte
	BlockSize uint8
	STminByte uint8
}

// Codec builds the codec this channel speaks, applying the configured
// padding byte over the revision default.
func (c ChannelConfig) Codec() Codec {
	codec := NewCodec(c.Standard, c.FD)
	if c.Padding != nil {
		codec.Padding = *c.Padding
	}
	return codec
}

// FlowControl is the flow-control answer this channel sends to incoming
// first frames.
func (c ChannelConfig) FlowControl() FlowControl {
	return FlowControl{
		Status:    FlowStatusContinue,
		BlockSize: c.BlockSize,
		STminByte: c.STminByte,
	}
}

// Register adds the channel to a registry.
func (c ChannelConfig) Register(r *Registry) error {
	return r.Add(c.Channel, c.Address)
}

// LoadConfig reads channel configurations from an ini file, one section
// per channel. Ids accept decimal or 0x-prefixed hex.
func LoadConfig(source interface{}) ([]ChannelConfig, error) {
	file, err := ini.Load(source)
	if err != nil {
		return nil, err
	}
	var configs []ChannelConfig
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		cfg, err := parseSection(section)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", section.Name(), err)
		}
		configs = append(configs, cfg)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("no channel sections found")
	}
	return configs, nil
}

func parseSection(section *ini.Section) (ChannelConfig, error) {
	cfg := ChannelConfig{
		Channel:   section.Name(),
		STminByte: DefaultFlowControl().STminByte,
	}

	var err error
	if cfg.Address.TxID, err = parseID(section, "txid", true); err != nil {
		return cfg, err
	}
	if cfg.Address.RxID, err = parseID(section, "rxid", true); err != nil {
		return cfg, err
	}
	if cfg.Address.FID, err = parseID(section, "fid", false); err != nil {
		return cfg, err
	}

	switch section.Key("standard").MustString("2016") {
	case "2004":
		cfg.Standard = Std2004
	case "2016":
		cfg.Standard = Std2016
	default:
		return cfg, fmt.Errorf("unknown standard %q", section.Key("standard").String())
	}
	cfg.FD = section.Key("fd").MustBool(false)

	if section.HasKey("padding") {
		v, err := strconv.ParseUint(section.Key("padding").String(), 0, 8)
		if err != nil {
			return cfg, fmt.Errorf("bad padding: %w", err)
		}
		b := byte(v)
		cfg.Padding = &b
	}
	if section.HasKey("block_size") {
		v, err := strconv.ParseUint(section.Key("block_size").String(), 0, 8)
		if err != nil {
			return cfg, fmt.Errorf("bad block_size: %w", err)
		}
		cfg.BlockSize = uint8(v)
	}
	if section.HasKey("st_min") {
		v, err := strconv.ParseUint(section.Key("st_min").String(), 0, 8)
		if err != nil {
			return cfg, fmt.Errorf("bad st_min: %w", err)
		}
		cfg.STminByte = uint8(v)
	}
	return cfg, nil
}

func parseID(section *ini.Section, key string, required bool) (uint32, error) {
	if !section.HasKey(key) {
		if required {
			return 0, fmt.Errorf("missing %s", key)
		}
		return 0, nil
	}
	v, err := strconv.ParseUint(section.Key(key).String(), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad %s: %w", key, err)
	}
	return uint32(v), nil
}
