// Command bioseal seals and unseals text under keys that can only be used
// after a biometric match.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bioseal",
	Short: "Seal and unseal secrets behind a fingerprint match",
	Long: `bioseal keeps AES and RSA keys in a key store that only releases them
after the sensor recognises an enrolled finger. Sealed payloads have the form
BASE64(ciphertext)-SEPARATOR-BASE64(iv) for AES and BASE64(ciphertext) for RSA.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLog(viper.GetUint("logLevel"), viper.GetString("log"))
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "",
		"Path to a YAML configuration file")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.PersistentFlags().UintP("logLevel", "v", 0,
		"Verbose mode for debugging (1 debug, 2 trace)")
	viper.BindPFlag("logLevel", rootCmd.PersistentFlags().Lookup("logLevel"))

	rootCmd.PersistentFlags().StringP("log", "l", "-",
		"Path to the log output path (- is stdout)")
	viper.BindPFlag("log", rootCmd.PersistentFlags().Lookup("log"))

	// Key store
	rootCmd.PersistentFlags().String("store", storeFile,
		"Key store backend: memory, file or pkcs11")
	viper.BindPFlag("store", rootCmd.PersistentFlags().Lookup("store"))

	rootCmd.PersistentFlags().StringP("storeDir", "s", defaultStoreDir(),
		"Directory of the encrypted file key store")
	viper.BindPFlag("storeDir", rootCmd.PersistentFlags().Lookup("storeDir"))

	rootCmd.PersistentFlags().StringP("password", "p", "",
		"Passphrase of the file key store (prompted when empty and no TPM handle is set)")
	viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))

	rootCmd.PersistentFlags().Int("rsaBits", 2048,
		"Modulus size of generated RSA key pairs")
	viper.BindPFlag("rsaBits", rootCmd.PersistentFlags().Lookup("rsaBits"))

	// TPM sealed passphrase
	rootCmd.PersistentFlags().String("tpmDevice", "/dev/tpmrm0",
		"TPM device or simulator socket")
	viper.BindPFlag("tpmDevice", rootCmd.PersistentFlags().Lookup("tpmDevice"))

	rootCmd.PersistentFlags().Uint32("tpmHandle", 0,
		"Persistent handle of the sealed store passphrase (0 disables the TPM)")
	viper.BindPFlag("tpmHandle", rootCmd.PersistentFlags().Lookup("tpmHandle"))

	rootCmd.PersistentFlags().IntSlice("tpmPCRs", []int{0, 7},
		"PCRs the sealed passphrase is bound to")
	viper.BindPFlag("tpmPCRs", rootCmd.PersistentFlags().Lookup("tpmPCRs"))

	rootCmd.PersistentFlags().String("tpmHash", "SHA256",
		"PCR bank hash algorithm")
	viper.BindPFlag("tpmHash", rootCmd.PersistentFlags().Lookup("tpmHash"))

	// PKCS#11 token
	rootCmd.PersistentFlags().String("pkcs11Module", "",
		"Path to the PKCS#11 module")
	viper.BindPFlag("pkcs11Module", rootCmd.PersistentFlags().Lookup("pkcs11Module"))

	rootCmd.PersistentFlags().String("pkcs11Token", "",
		"Label of the PKCS#11 token")
	viper.BindPFlag("pkcs11Token", rootCmd.PersistentFlags().Lookup("pkcs11Token"))

	rootCmd.PersistentFlags().String("pkcs11Slot", "",
		"Slot number of the PKCS#11 token")
	viper.BindPFlag("pkcs11Slot", rootCmd.PersistentFlags().Lookup("pkcs11Slot"))

	rootCmd.PersistentFlags().String("pkcs11PIN", "",
		"User PIN of the PKCS#11 token")
	viper.BindPFlag("pkcs11PIN", rootCmd.PersistentFlags().Lookup("pkcs11PIN"))

	// Sensor
	rootCmd.PersistentFlags().StringP("matcher", "m", matcherTerminal,
		"Biometric matcher: terminal, pam or otp")
	viper.BindPFlag("matcher", rootCmd.PersistentFlags().Lookup("matcher"))

	rootCmd.PersistentFlags().String("pamService", "bioseal",
		"PAM service to authenticate against (e.g. one using pam_fprintd)")
	viper.BindPFlag("pamService", rootCmd.PersistentFlags().Lookup("pamService"))

	rootCmd.PersistentFlags().String("pamUser", os.Getenv("USER"),
		"User whose enrolled fingerprints are matched")
	viper.BindPFlag("pamUser", rootCmd.PersistentFlags().Lookup("pamUser"))

	rootCmd.PersistentFlags().String("otpSecret", "",
		"Base32 TOTP secret for the otp matcher")
	viper.BindPFlag("otpSecret", rootCmd.PersistentFlags().Lookup("otpSecret"))

	rootCmd.PersistentFlags().Uint("otpDigits", 6,
		"TOTP code length")
	viper.BindPFlag("otpDigits", rootCmd.PersistentFlags().Lookup("otpDigits"))

	rootCmd.PersistentFlags().StringSlice("enrolled", []string{"default"},
		"Enrolled template ids; changing the set invalidates existing keys")
	viper.BindPFlag("enrolled", rootCmd.PersistentFlags().Lookup("enrolled"))

	rootCmd.PersistentFlags().Bool("hardware", true,
		"Whether a sensor is present")
	viper.BindPFlag("hardware", rootCmd.PersistentFlags().Lookup("hardware"))

	rootCmd.PersistentFlags().Bool("secured", true,
		"Whether the device has a secure lock screen")
	viper.BindPFlag("secured", rootCmd.PersistentFlags().Lookup("secured"))
}

func initConfig() {
	viper.SetEnvPrefix("BIOSEAL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	path := viper.GetString("config")
	if path == "" {
		return
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		jww.FATAL.Panicf("Failed to read config %s: %+v", path, err)
	}
}

func initLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		jww.SetStdoutOutput(io.Discard)
		logOutput, err := os.OpenFile(logPath,
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			panic(err.Error())
		}
		jww.SetLogOutput(logOutput)
	}

	if threshold > 1 {
		jww.INFO.Printf("log level set to: TRACE")
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else if threshold == 1 {
		jww.INFO.Printf("log level set to: DEBUG")
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else {
		jww.SetStdoutThreshold(jww.LevelWarn)
		jww.SetLogThreshold(jww.LevelInfo)
	}
}

func defaultStoreDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".bioseal"
	}
	return dir + string(os.PathSeparator) + "bioseal"
}
