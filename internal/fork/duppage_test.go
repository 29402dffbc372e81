package fork

import (
	"testing"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/kern"
	"github.com/kahiteam/cowfork/internal/testutil"
	"github.com/kahiteam/cowfork/internal/vm"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		perm vm.Perm
		want Policy
	}{
		{vm.Present | vm.User, PolicyReadOnly},
		{vm.Present | vm.User | vm.Writable, PolicyCOW},
		{vm.Present | vm.User | vm.COW, PolicyCOW},
		{vm.Present | vm.User | vm.Shared, PolicyShared},
		{vm.Present | vm.User | vm.Writable | vm.Shared, PolicyShared},
	}
	for _, tt := range tests {
		if got := Classify(tt.perm); got != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.perm, got, tt.want)
		}
	}
}

func TestPolicyString(t *testing.T) {
	tests := []struct {
		p    Policy
		want string
	}{
		{PolicyShared, "shared"},
		{PolicyCOW, "cow"},
		{PolicyReadOnly, "readonly"},
		{Policy(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Policy(%d).String() = %q, want %q", int(tt.p), got, tt.want)
		}
	}
}

func TestDuppage(t *testing.T) {
	cow := vm.Present | vm.User | vm.COW
	ro := vm.Present | vm.User
	shared := rw | vm.Shared

	tests := []struct {
		name       string
		perm       vm.Perm
		wantPolicy Policy
		wantChild  vm.Perm
		wantSelf   vm.Perm
	}{
		{"writable", rw, PolicyCOW, cow, cow},
		{"already cow", cow, PolicyCOW, cow, cow},
		{"read-only", ro, PolicyReadOnly, ro, ro},
		{"shared writable", shared, PolicyShared, shared, shared},
		{"shared read-only", ro | vm.Shared, PolicyShared, ro | vm.Shared, ro | vm.Shared},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := testutil.NewKernel(t, kern.Config{})

			testutil.Run(t, k, func(ctx abi.Context) {
				mapPage(t, ctx, textBase, tt.perm, 1)
				child, err := ctx.Exofork(func(abi.Context) {})
				if err != nil {
					t.Errorf("Exofork: %v", err)
					return
				}
				defer func() { _ = ctx.EnvDestroy(child) }()

				policy, err := Duppage(ctx, child, ctx.Layout().PageNum(textBase))
				if err != nil {
					t.Errorf("Duppage: %v", err)
					return
				}
				if policy != tt.wantPolicy {
					t.Errorf("policy = %s, want %s", policy, tt.wantPolicy)
				}
				if got, _ := k.Lookup(child, textBase); got != tt.wantChild {
					t.Errorf("child perm = %s, want %s", got, tt.wantChild)
				}
				if got := ctx.PTE(textBase); got != tt.wantSelf {
					t.Errorf("self perm = %s, want %s", got, tt.wantSelf)
				}
			})
		})
	}
}

func TestDuppageBadChild(t *testing.T) {
	k := testutil.NewKernel(t, kern.Config{})

	testutil.Run(t, k, func(ctx abi.Context) {
		mapPage(t, ctx, textBase, rw, 1)
		if _, err := Duppage(ctx, 0x7fff, ctx.Layout().PageNum(textBase)); err == nil {
			t.Error("Duppage into unknown env succeeded")
		}
		if got := ctx.PTE(textBase); got != rw {
			t.Errorf("self perm = %s after failed Duppage, want %s", got, rw)
		}
	})
}
