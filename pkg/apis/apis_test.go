/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderIDRoundTrip(t *testing.T) {
	id := ProviderID("web", 101)
	assert.Equal(t, "proxmox://web/101", id)

	group, vmid, err := ParseProviderID(id)
	require.NoError(t, err)
	assert.Equal(t, "web", group)
	assert.Equal(t, 101, vmid)
}

func TestParseProviderIDErrors(t *testing.T) {
	for _, id := range []string{
		"",
		"aws:///i-12345",
		"proxmox://web",
		"proxmox:///101",
		"proxmox://web/abc",
	} {
		_, _, err := ParseProviderID(id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestGroupTag(t *testing.T) {
	tag := GroupTag("web")
	assert.Equal(t, "ca-group-web", tag)

	group, ok := GroupFromTag(tag)
	require.True(t, ok)
	assert.Equal(t, "web", group)

	_, ok = GroupFromTag("unrelated")
	assert.False(t, ok)
}

func TestParseTags(t *testing.T) {
	assert.Equal(t, []string{"ca-managed", "ca-group-web"}, ParseTags("ca-managed;ca-group-web"))
	assert.Equal(t, []string{"a", "b"}, ParseTags("a, b"))
	assert.Empty(t, ParseTags(" ; , "))
}
