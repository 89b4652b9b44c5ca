// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package discovery

import (
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"

	"github.com/tailhook/verwalter/id"
)

func TestEntryToPeerParsesIDTxtRecord(t *testing.T) {
	self := id.Random()
	entry := &zeroconf.ServiceEntry{}
	entry.HostName = "node-a"
	entry.Text = []string{"id=" + self.String()}

	dp, err := entryToPeer(entry)
	require.NoError(t, err)
	require.Equal(t, self, dp.Id)
	require.Equal(t, "node-a", dp.Hostname)
}

func TestEntryToPeerRejectsMissingID(t *testing.T) {
	entry := &zeroconf.ServiceEntry{}
	entry.HostName = "node-b"

	_, err := entryToPeer(entry)
	require.ErrorIs(t, err, errMissingID)
}

func TestEntryToPeerRejectsMalformedID(t *testing.T) {
	entry := &zeroconf.ServiceEntry{}
	entry.Text = []string{"id=not-hex"}

	_, err := entryToPeer(entry)
	require.Error(t, err)
}
