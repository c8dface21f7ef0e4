package sweep

import (
	"context"
	"reflect"
	"strings"
	"testing"

	xerrors "DustSweep/internal/errors"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSigning, true},
		{StatusPending, StatusFailed, true},
		{StatusSigning, StatusSubmitted, true},
		{StatusSubmitted, StatusConfirmed, true},
		{StatusSubmitted, StatusSubmitted, false},
		{StatusSigning, StatusSigning, false},
		{StatusSubmitted, StatusSigning, false},
		{StatusSigning, StatusPending, false},
		{StatusConfirmed, StatusFailed, false},
		{StatusFailed, StatusConfirmed, false},
		{StatusFailed, StatusFailed, false},
		{StatusConfirmed, StatusConfirmed, false},
		{StatusPending, Status("unknown"), false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPredecessors(t *testing.T) {
	got := predecessors(StatusConfirmed)
	want := []Status{StatusPending, StatusSigning, StatusSubmitted}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("predecessors(confirmed) = %v", got)
	}
	if got := predecessors(StatusSigning); !reflect.DeepEqual(got, []Status{StatusPending}) {
		t.Fatalf("predecessors(signing) = %v", got)
	}
}

func TestMemoryStoreRejectsBackwardTransition(t *testing.T) {
	store := NewMemoryStore(fixedClock)
	ctx := context.Background()
	seedSweep(t, store, "s-1", StatusSubmitted)

	err := store.UpdateSweep(ctx, "s-1", StatusUpdate(StatusSigning))
	if xerrors.CodeOf(err) != CodeInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if err := store.UpdateSweep(ctx, "s-1", FailedUpdate("boom")); err != nil {
		t.Fatalf("fail sweep: %v", err)
	}
	if err := store.UpdateSweep(ctx, "s-1", StatusUpdate(StatusConfirmed)); xerrors.CodeOf(err) != CodeInvalidTransition {
		t.Fatalf("terminal sweep must not change, got %v", err)
	}
	if err := store.UpdateSweep(ctx, "s-1", FailedUpdate("second failure")); xerrors.CodeOf(err) != CodeInvalidTransition {
		t.Fatalf("failed sweep must keep its first message, got %v", err)
	}

	sw, err := store.GetSweep(ctx, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sw.Status != StatusFailed || sw.ErrorMessage != "boom" {
		t.Fatalf("unexpected sweep %+v", sw)
	}
}

func TestMemoryStoreFieldScopedUpdate(t *testing.T) {
	store := NewMemoryStore(fixedClock)
	ctx := context.Background()
	seedSweep(t, store, "s-1", StatusSubmitted)

	if err := store.UpdateSweep(ctx, "s-1", Update{TxHashes: map[string]string{"base": "0x01"}}); err != nil {
		t.Fatalf("update hashes: %v", err)
	}
	if err := store.UpdateSweep(ctx, "s-1", Update{UserOpHashes: map[string]string{"base": "0xop"}}); err != nil {
		t.Fatalf("update user ops: %v", err)
	}
	sw, _ := store.GetSweep(ctx, "s-1")
	if sw.Status != StatusSubmitted || sw.TxHashes["base"] != "0x01" || sw.UserOpHashes["base"] != "0xop" {
		t.Fatalf("unexpected sweep %+v", sw)
	}

	sw.TxHashes["base"] = "mutated"
	again, _ := store.GetSweep(ctx, "s-1")
	if again.TxHashes["base"] != "0x01" {
		t.Fatalf("store leaked internal state")
	}

	if err := store.UpdateSweep(ctx, "missing", StatusUpdate(StatusSigning)); xerrors.CodeOf(err) != CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreMarkTokenSwept(t *testing.T) {
	store := NewMemoryStore(fixedClock)
	ctx := context.Background()
	if err := store.UpsertDustToken(ctx, DustToken{WalletAddress: testWallet, Chain: "Base", TokenAddress: "0x" + strings.ToUpper(tokenA[2:]), Amount: "5"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	key := TokenKey{WalletAddress: testWallet, Chain: "base", TokenAddress: "0x" + strings.ToUpper(tokenA[2:])}

	if err := store.MarkTokenSwept(ctx, key, "s-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := store.MarkTokenSwept(ctx, key, "s-1"); err != nil {
		t.Fatalf("second mark with same sweep should be a no-op: %v", err)
	}
	if err := store.MarkTokenSwept(ctx, key, "s-2"); xerrors.CodeOf(err) != CodeTokenConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.MarkTokenSwept(ctx, TokenKey{WalletAddress: testWallet, Chain: "base", TokenAddress: tokenC}, "s-1"); err != nil {
		t.Fatalf("unknown token should be ignored: %v", err)
	}

	tok, err := store.GetDustToken(ctx, key)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if !tok.Swept || tok.SweepID != "s-1" {
		t.Fatalf("unexpected token %+v", tok)
	}

	if err := store.UpsertDustToken(ctx, DustToken{WalletAddress: testWallet, Chain: "base", TokenAddress: tokenA, Amount: "9"}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	tok, _ = store.GetDustToken(ctx, key)
	if !tok.Swept || tok.Amount != "9" {
		t.Fatalf("re-upsert must keep the swept marker: %+v", tok)
	}
}

func TestMemoryStoreListDustTokens(t *testing.T) {
	store := NewMemoryStore(fixedClock)
	ctx := context.Background()
	for _, tok := range []DustToken{
		{WalletAddress: testWallet, Chain: "base", TokenAddress: tokenB, Amount: "1"},
		{WalletAddress: testWallet, Chain: "arbitrum", TokenAddress: tokenA, Amount: "2"},
		{WalletAddress: testWallet, Chain: "base", TokenAddress: tokenA, Amount: "3"},
		{WalletAddress: "0x00000000000000000000000000000000000000ff", Chain: "base", TokenAddress: tokenA, Amount: "4"},
	} {
		if err := store.UpsertDustToken(ctx, tok); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := store.MarkTokenSwept(ctx, TokenKey{WalletAddress: testWallet, Chain: "base", TokenAddress: tokenB}, "s-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	open, err := store.ListDustTokens(ctx, testWallet, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 2 || open[0].Chain != "arbitrum" || open[1].TokenAddress != tokenA {
		t.Fatalf("unexpected open tokens %+v", open)
	}
	all, _ := store.ListDustTokens(ctx, testWallet, true)
	if len(all) != 3 {
		t.Fatalf("expected 3 tokens, got %d", len(all))
	}
	everyWallet, _ := store.ListDustTokens(ctx, "", false)
	if len(everyWallet) != 3 || everyWallet[2].WalletAddress != "0x00000000000000000000000000000000000000ff" {
		t.Fatalf("unexpected tokens across wallets %+v", everyWallet)
	}
}

func TestListTokensQuery(t *testing.T) {
	stmt, args := listTokensQuery(testWallet, false)
	if !strings.HasSuffix(stmt, "WHERE wallet_address = ? AND swept = 0 ORDER BY chain, token_address, wallet_address") || len(args) != 1 {
		t.Fatalf("unexpected wallet query %q %v", stmt, args)
	}
	stmt, args = listTokensQuery("", true)
	if strings.Contains(stmt, "WHERE") || len(args) != 0 {
		t.Fatalf("unexpected unfiltered query %q %v", stmt, args)
	}
}

func TestBuildUpdateGuardsStatus(t *testing.T) {
	status := StatusConfirmed
	completed := testNow
	stmt, args, err := buildUpdate("s-1", Update{Status: &status, CompletedAt: &completed}, testNow)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := "UPDATE sweeps SET updated_at = ?, status = ?, completed_at = ? WHERE id = ? AND status IN (?, ?, ?)"
	if stmt != want {
		t.Fatalf("unexpected statement\n got: %s\nwant: %s", stmt, want)
	}
	wantArgs := []any{testNow.UnixMilli(), "confirmed", testNow.UnixMilli(), "s-1", "pending", "signing", "submitted"}
	if !reflect.DeepEqual(args, wantArgs) {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestBuildUpdateHashesOnly(t *testing.T) {
	stmt, args, err := buildUpdate("s-1", Update{TxHashes: map[string]string{"base": "0x01"}}, testNow)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if stmt != "UPDATE sweeps SET updated_at = ?, tx_hashes = ? WHERE id = ?" {
		t.Fatalf("unexpected statement %s", stmt)
	}
	if args[1] != `{"base":"0x01"}` {
		t.Fatalf("unexpected hashes arg %v", args[1])
	}

	bogus := Status("bogus")
	if _, _, err := buildUpdate("s-1", Update{Status: &bogus}, testNow); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestBuildUpdateSigningRequiresPending(t *testing.T) {
	stmt, args, err := buildUpdate("s-1", StatusUpdate(StatusSigning), testNow)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasSuffix(stmt, "WHERE id = ? AND status IN (?)") {
		t.Fatalf("signing must only follow pending: %s", stmt)
	}
	if args[len(args)-1] != "pending" {
		t.Fatalf("unexpected args %v", args)
	}
	if _, _, err := buildUpdate("s-1", StatusUpdate(StatusPending), testNow); xerrors.CodeOf(err) != CodeInvalidTransition {
		t.Fatalf("nothing moves back to pending, got %v", err)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore(fixedClock)
	seedSweep(t, store, "s-1", StatusPending)
	seedSweep(t, store, "s-2", StatusSubmitted)
	seedSweep(t, store, "s-3", StatusConfirmed)
	seedSweep(t, store, "s-4", StatusFailed)
	if err := store.CreateSweep(context.Background(), &Sweep{ID: "other", WalletAddress: "0x00000000000000000000000000000000000000ff"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := store.Stats(context.Background(), "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if all.Total != 5 || all.Pending != 2 || all.Submitted != 1 || all.Confirmed != 1 || all.Failed != 1 {
		t.Fatalf("unexpected stats %+v", all)
	}
	if all.OldestUpdatedAt != testNow.UnixMilli() || all.NewestUpdatedAt != testNow.UnixMilli() {
		t.Fatalf("unexpected update range %+v", all)
	}

	mine, _ := store.Stats(context.Background(), strings.ToUpper(testWallet[:2])+testWallet[2:])
	if mine.Total != 4 {
		t.Fatalf("expected wallet filter to match 4 sweeps, got %+v", mine)
	}
}
