package services

import "testing"

func TestConcatListNamePerOutput(t *testing.T) {
	a := concatListName("/tmp/lipsync/job-a_final.mp4")
	b := concatListName("/tmp/lipsync/job-b_final.mp4")

	if a == b {
		t.Fatalf("different outputs must get different list files, both got %q", a)
	}
	if a != "job-a_final_list.txt" {
		t.Errorf("list name = %q, want job-a_final_list.txt", a)
	}
}
