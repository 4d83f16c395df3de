package deps_test

import (
	"testing"

	"gantry/internal/deps"
)

func TestCheckBinariesReportsMissing(t *testing.T) {
	statuses := deps.CheckBinaries([]deps.Requirement{
		{Name: "shell", Command: "sh"},
		{Name: "ghost", Command: "definitely-not-a-real-binary-xyz"},
		{Name: "blank", Command: ""},
	})
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Available {
		t.Fatalf("expected sh to be available: %+v", statuses[0])
	}
	if statuses[1].Available {
		t.Fatal("expected missing binary to be unavailable")
	}
	if statuses[2].Available || statuses[2].Detail == "" {
		t.Fatal("expected unconfigured command to carry detail")
	}
}

func TestBinaryResolver(t *testing.T) {
	resolver := &deps.BinaryResolver{Rclone: "sh", SevenZip: "", ADB: "definitely-not-a-real-binary-xyz"}
	if _, err := resolver.TransferBinary(); err != nil {
		t.Fatalf("expected sh to resolve: %v", err)
	}
	if _, err := resolver.ArchiveBinary(); err == nil {
		t.Fatal("expected unconfigured tool to fail")
	}
	if _, err := resolver.DeviceBinary(); err == nil {
		t.Fatal("expected missing tool to fail")
	}
}
