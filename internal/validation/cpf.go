package validation

// IsValidCPF проверяет две контрольные цифры mod-11 у CPF из 11 цифр.
// Последовательности из одной цифры проходят проверку суммы, но не выдаются, поэтому отклоняются.
func IsValidCPF(cpf string) bool {
	if len(cpf) != 11 {
		return false
	}

	digits := make([]int, 11)
	same := true
	for i := 0; i < 11; i++ {
		ch := cpf[i]
		if ch < '0' || ch > '9' {
			return false
		}
		digits[i] = int(ch - '0')
		if digits[i] != digits[0] {
			same = false
		}
	}
	if same {
		return false
	}

	return checkDigit(digits[:9], 10) == digits[9] && checkDigit(digits[:10], 11) == digits[10]
}

func checkDigit(digits []int, weight int) int {
	sum := 0
	for _, d := range digits {
		sum += d * weight
		weight--
	}
	rest := (sum * 10) % 11
	if rest == 10 {
		return 0
	}
	return rest
}
