// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package indexer_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestIndexer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Activity Indexer Suite")
}
