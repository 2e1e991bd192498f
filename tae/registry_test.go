package tae

import (
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/tsawler/go-tae/tensor"
)

func TestNewTinyRecognition(t *testing.T) {
	SetRandomSeed(1)
	model, err := New("tae_tiny_patch16", WithInputSize(16), WithNumClasses(5))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	enc, ok := model.(Encoder)
	if !ok {
		t.Fatalf("tae_tiny_patch16 should implement the Encoder interface")
	}
	if enc.EmbedDim() != 192 {
		t.Errorf("EmbedDim() = %d, expected 192", enc.EmbedDim())
	}

	input, err := tensor.Random([]int{1, 3, 16, 16}, tensor.Float32)
	if err != nil {
		t.Fatalf("Failed to create input: %v", err)
	}

	logits, err := model.Forward(input)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !reflect.DeepEqual(logits.Shape, []int{1, 5}) {
		t.Errorf("logits shape = %v, expected [1 5]", logits.Shape)
	}
}

func TestNewFeatureHeads(t *testing.T) {
	tests := []struct {
		name string
	}{
		{"feature_classifier"},
		{"linear_probe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, err := New(tt.name, WithEmbedDim(16), WithNumClasses(10))
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			features, err := tensor.Random([]int{2, 16}, tensor.Float32)
			if err != nil {
				t.Fatalf("Failed to create features: %v", err)
			}

			logits, err := model.Forward(features)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			if !reflect.DeepEqual(logits.Shape, []int{2, 10}) {
				t.Errorf("logits shape = %v, expected [2 10]", logits.Shape)
			}
		})
	}
}

func TestNewUnknownModel(t *testing.T) {
	_, err := New("resnet50")
	if err == nil {
		t.Fatalf("New with unknown name should have failed")
	}
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("error = %v, expected ErrUnknownModel", err)
	}
}

func TestList(t *testing.T) {
	names := List()
	if !sort.StringsAreSorted(names) {
		t.Errorf("List() = %v, expected sorted order", names)
	}

	registered := make(map[string]bool)
	for _, name := range names {
		registered[name] = true
	}
	for _, want := range []string{
		"tae_tiny_patch16",
		"tae_small_patch16",
		"tae_base_patch16",
		"feature_classifier",
		"linear_probe",
	} {
		if !registered[want] {
			t.Errorf("List() missing %q", want)
		}
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("registry_test_model", recognitionFactory(8, 1))

	defer func() {
		if recover() == nil {
			t.Errorf("duplicate Register should have panicked")
		}
	}()
	Register("registry_test_model", recognitionFactory(8, 1))
}

func TestRegisterNilFactoryPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Register with nil factory should have panicked")
		}
	}()
	Register("registry_test_nil", nil)
}
