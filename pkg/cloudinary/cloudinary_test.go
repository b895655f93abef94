package cloudinary

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBuildPublicIDSanitisesName(t *testing.T) {
	at := time.Unix(0, 42)

	require.Equal(t, "sheet-page-1-42", BuildPublicID("uploads/sheet page#1.png", at))
	require.Equal(t, "answer-sheet-42", BuildPublicID("###.jpg", at))
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{CloudName: "demo"}, zerolog.Nop())
	require.Error(t, err)
}
