package buses

import (
	"testing"

	"go.viam.com/test"
)

func TestConfigValidate(t *testing.T) {
	validConfig := Config{}
	test.That(t, validConfig.Validate("path"), test.ShouldBeNil)

	validConfig = Config{BaudHz: 30000000, Mode: 3, LSBFirst: true}
	test.That(t, validConfig.Validate("path"), test.ShouldBeNil)

	invalidConfig := Config{Mode: 4}
	err := invalidConfig.Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "path")
	test.That(t, err.Error(), test.ShouldContainSubstring, "SPI mode must be 0 through 3")
}
