package runcfg_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/m2sim/timing/runcfg"
)

func TestRunCfg(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RunCfg Suite")
}

var _ = Describe("Config", func() {
	It("validates default config with no errors", func() {
		cfg := runcfg.DefaultConfig()
		Expect(cfg.Validate()).NotTo(HaveOccurred())
	})

	It("rejects commit width above the structural maximum", func() {
		cfg := runcfg.DefaultConfig()
		cfg.CommitWidth = 99
		Expect(cfg.Validate()).To(HaveOccurred())
	})

	It("rejects MinimumWork policy with zero work target", func() {
		cfg := runcfg.DefaultConfig()
		cfg.RunaheadExitPolicy = runcfg.MinimumWork
		cfg.MinRunaheadWork = 0
		Expect(cfg.Validate()).To(HaveOccurred())
	})

	It("clones independently of the source", func() {
		cfg := runcfg.DefaultConfig()
		clone := cfg.Clone()
		clone.CommitWidth = 1
		Expect(cfg.CommitWidth).NotTo(Equal(1))
	})
})
