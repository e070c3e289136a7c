package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionTypeInternalConflict(t *testing.T) {
	assert.False(t, VersionInternal.IsConflict(5, MatchAnyVersion))
	assert.False(t, VersionInternal.IsConflict(NotFoundVersion, MatchAnyVersion))
	assert.False(t, VersionInternal.IsConflict(5, 5))
	assert.True(t, VersionInternal.IsConflict(5, 4))
	assert.True(t, VersionInternal.IsConflict(NotFoundVersion, 1))
}

func TestVersionTypeExternalConflict(t *testing.T) {
	// A missing document accepts any external version.
	assert.False(t, VersionExternal.IsConflict(NotFoundVersion, 1))
	assert.False(t, VersionExternal.IsConflict(NotFoundVersion, 100))

	assert.False(t, VersionExternal.IsConflict(5, 6))
	assert.True(t, VersionExternal.IsConflict(5, 5))
	assert.True(t, VersionExternal.IsConflict(5, 3))

	assert.False(t, VersionExternalGTE.IsConflict(5, 5))
	assert.False(t, VersionExternalGTE.IsConflict(5, 7))
	assert.True(t, VersionExternalGTE.IsConflict(5, 4))
}

func TestUpdatedVersion(t *testing.T) {
	assert.Equal(t, int64(1), VersionInternal.UpdatedVersion(NotFoundVersion, MatchAnyVersion))
	assert.Equal(t, int64(6), VersionInternal.UpdatedVersion(5, MatchAnyVersion))
	assert.Equal(t, int64(9), VersionExternal.UpdatedVersion(5, 9))
	assert.Equal(t, int64(5), VersionExternalGTE.UpdatedVersion(5, 5))
}

func TestNewIndexDefaults(t *testing.T) {
	op := NewIndex(&Document{ID: "doc-1", Source: []byte(`{}`)}, 3)

	assert.Equal(t, KindIndex, op.Kind)
	assert.Equal(t, "doc-1", op.ID)
	assert.Equal(t, UnassignedSeqNo, op.SeqNo)
	assert.Equal(t, int64(3), op.PrimaryTerm)
	assert.Equal(t, MatchAnyVersion, op.Version)
	assert.Equal(t, VersionInternal, op.VersionType)
	assert.False(t, op.HasCAS())
	require.NoError(t, op.Validate())
}

func TestOperationValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Operation)
		wantErr string
	}{
		{
			name:    "index without document",
			mutate:  func(op *Operation) { op.Doc = nil },
			wantErr: "without document",
		},
		{
			name: "index without id",
			mutate: func(op *Operation) {
				op.ID = ""
				op.Doc = &Document{Source: []byte(`{}`)}
			},
			wantErr: "without id",
		},
		{
			name: "replica without sequence number",
			mutate: func(op *Operation) {
				op.Origin = OriginReplica
			},
			wantErr: "without sequence number",
		},
		{
			name: "primary with preassigned sequence number",
			mutate: func(op *Operation) {
				op.SeqNo = 7
			},
			wantErr: "preassigned sequence number",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewIndex(&Document{ID: "doc-1", Source: []byte(`{}`)}, 1)
			tt.mutate(&op)
			err := op.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNoOpValidate(t *testing.T) {
	op := NewNoOp(4, 1, OriginReplica, "gap fill")
	require.NoError(t, op.Validate())

	unassigned := NewNoOp(UnassignedSeqNo, 1, OriginReplica, "gap fill")
	require.Error(t, unassigned.Validate())

	cas := NewNoOp(4, 1, OriginReplica, "gap fill")
	cas.IfSeqNo = 2
	require.Error(t, cas.Validate())
}

func TestOriginPredicates(t *testing.T) {
	assert.True(t, OriginLocalTranslogRecovery.IsFromTranslog())
	assert.False(t, OriginPeerRecovery.IsFromTranslog())
	assert.True(t, OriginPeerRecovery.IsRecovery())
	assert.True(t, OriginLocalTranslogRecovery.IsRecovery())
	assert.False(t, OriginPrimary.IsRecovery())
	assert.False(t, OriginReplica.IsRecovery())
}
