// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package position

import (
	"strings"

	"github.com/luxfi/ivtracker/config"
	"github.com/luxfi/ivtracker/evm"
)

// Event signatures of the options protocol (Opyn gamma layout).
const (
	SigOtokenCreated       = "OtokenCreated(address,address,address,address,address,uint256,uint256,bool)"
	SigShortOtokenMinted   = "ShortOtokenMinted(address,address,address,uint256,uint256)"
	SigCollateralDeposited = "CollateralAssetDeposited(address,address,address,uint256,uint256)"
	SigTransferToUser      = "TransferToUser(address,address,uint256)"
)

// Topics holds topic0 of each decoded event.
type Topics struct {
	OtokenCreated       string
	ShortMinted         string
	CollateralDeposited string
	TransferToUser      string
}

// DefaultTopics hashes the canonical event signatures.
func DefaultTopics() Topics {
	return Topics{
		OtokenCreated:       evm.EventTopic(SigOtokenCreated),
		ShortMinted:         evm.EventTopic(SigShortOtokenMinted),
		CollateralDeposited: evm.EventTopic(SigCollateralDeposited),
		TransferToUser:      evm.EventTopic(SigTransferToUser),
	}
}

// Contracts are the protocol addresses logs are matched against.
type Contracts struct {
	Factory      string
	Controller   string
	MarginPool   string
	FeeRecipient string
}

// FromChainConfig reads contract addresses and topic overrides.
func FromChainConfig(cfg config.ChainConfig) (Contracts, Topics) {
	c := Contracts{
		Factory:      strings.ToLower(cfg.Factory),
		Controller:   strings.ToLower(cfg.Controller),
		MarginPool:   strings.ToLower(cfg.MarginPool),
		FeeRecipient: strings.ToLower(cfg.FeeRecipient),
	}
	t := DefaultTopics()
	override(&t.OtokenCreated, cfg.TopicOtokenCreated)
	override(&t.ShortMinted, cfg.TopicShortMinted)
	override(&t.CollateralDeposited, cfg.TopicCollateralDeposit)
	override(&t.TransferToUser, cfg.TopicTransferToUser)
	return c, t
}

func override(dst *string, v string) {
	if v != "" {
		*dst = strings.ToLower(v)
	}
}
