package features

import "testing"

func clearFeatureEnv(t *testing.T) {
	t.Helper()
	for _, f := range allFeatures {
		t.Setenv("FIELDSYNC_FEATURE_"+normalizeForEnvKey(f.Name), "")
	}
	t.Setenv("FIELDSYNC_DISABLE_FEATURES", "")
	t.Setenv("FIELDSYNC_ENABLE_FEATURES", "")
}

func TestResolve_Defaults(t *testing.T) {
	clearFeatureEnv(t)
	s := NewSet(nil)

	if s.Enabled(OfflineShortCircuit) {
		t.Error("offline_short_circuit should default off")
	}
	if !s.Enabled(EntityRefRewrite) || !s.Enabled(StartupSync) {
		t.Error("entity_ref_rewrite and startup_sync should default on")
	}
	if _, src := s.Resolve("startup_sync"); src != "default" {
		t.Errorf("source = %s, want default", src)
	}
}

func TestResolve_Priority(t *testing.T) {
	clearFeatureEnv(t)
	s := NewSet(map[string]bool{"Offline_Short_Circuit": true, "startup_sync": false})

	if on, src := s.Resolve("offline_short_circuit"); !on || src != "config" {
		t.Errorf("config override = (%v, %s)", on, src)
	}

	t.Setenv("FIELDSYNC_FEATURE_OFFLINE_SHORT_CIRCUIT", "off")
	if on, src := s.Resolve("offline_short_circuit"); on || src != "env" {
		t.Errorf("env override = (%v, %s)", on, src)
	}

	t.Setenv("FIELDSYNC_ENABLE_FEATURES", "foo, startup_sync")
	if !s.Enabled(StartupSync) {
		t.Error("FIELDSYNC_ENABLE_FEATURES not applied")
	}
}

func TestListAllSorted(t *testing.T) {
	all := ListAll()
	for i := 1; i < len(all); i++ {
		if all[i-1].Name > all[i].Name {
			t.Fatalf("not sorted: %s before %s", all[i-1].Name, all[i].Name)
		}
	}
	if !IsKnownFeature(" ENTITY_REF_REWRITE ") || IsKnownFeature("sync_cli") {
		t.Error("IsKnownFeature mismatch")
	}
}
